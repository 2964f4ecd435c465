package receipt

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Gateway", func() {
	var (
		ctx     context.Context
		storage *mockStorage
		gateway *Gateway
	)

	BeforeEach(func() {
		ctx = context.Background()
		storage = newMockStorage()
		gateway = NewGateway(storage)
	})

	Describe("Upload", func() {
		var (
			ownerID string
			file    File
			path    string
			err     error
		)

		BeforeEach(func() {
			ownerID = "u1"
			file = File{Filename: "a.jpg", ContentType: "image/jpeg", Data: jpegData(512)}
		})

		JustBeforeEach(func() {
			path, err = gateway.Upload(ctx, ownerID, file)
		})

		When("the file is a JPEG", func() {
			It("stores it under the owner prefix with a .jpg extension", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(path).To(MatchRegexp(`^u1/[0-9A-Z]{26}\.jpg$`))
				Expect(storage.has(path)).To(BeTrue())
			})
		})

		When("the declared type uses the image/jpg alias", func() {
			BeforeEach(func() {
				file.ContentType = "image/jpg"
			})

			It("accepts it", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the declared type is generic", func() {
			BeforeEach(func() {
				file = File{Filename: "a.png", ContentType: "application/octet-stream", Data: pngData(512)}
			})

			It("trusts the sniffed type", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(path).To(HaveSuffix(".png"))
			})
		})

		When("the file is exactly the size limit", func() {
			BeforeEach(func() {
				file = File{Filename: "big.png", ContentType: "image/png", Data: pngData(MaxUploadBytes)}
			})

			It("accepts it", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the file is one byte over the limit", func() {
			BeforeEach(func() {
				file = File{Filename: "big.png", ContentType: "image/png", Data: pngData(MaxUploadBytes + 1)}
			})

			It("returns ErrValidation without storing", func() {
				Expect(err).To(MatchError(ErrValidation))
				Expect(storage.count()).To(Equal(0))
			})
		})

		When("the content is not an image", func() {
			BeforeEach(func() {
				file = File{Filename: "notes.txt", Data: []byte(strings.Repeat("hello ", 20))}
			})

			It("returns ErrValidation", func() {
				Expect(err).To(MatchError(ErrValidation))
			})
		})

		When("the owner id needs escaping", func() {
			BeforeEach(func() {
				ownerID = "auth0|abc/def"
			})

			It("keeps the owner in a single path segment", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(path).To(HavePrefix("auth0%7Cabc%2Fdef/"))
				Expect(strings.Count(path, "/")).To(Equal(1))
			})
		})

		When("there is no owner", func() {
			BeforeEach(func() {
				ownerID = ""
			})

			It("returns ErrAuth", func() {
				Expect(err).To(MatchError(ErrAuth))
			})
		})

		When("the same bytes are uploaded twice", func() {
			It("gets two distinct paths", func() {
				second, secondErr := gateway.Upload(ctx, ownerID, file)
				Expect(secondErr).NotTo(HaveOccurred())
				Expect(second).NotTo(Equal(path))
				Expect(storage.count()).To(Equal(2))
			})
		})
	})

	Describe("SignedURL", func() {
		It("wraps backend failures in ErrStorage", func() {
			storage.signErr = errors.New("presign failed")
			_, err := gateway.SignedURL(ctx, "u1/a.png", time.Minute)
			Expect(err).To(MatchError(ErrStorage))
		})
	})

	Describe("Delete", func() {
		It("reports a missing object as both storage and not found", func() {
			err := gateway.Delete(ctx, "u1/missing.png")
			Expect(err).To(MatchError(ErrStorage))
			Expect(err).To(MatchError(ErrObjectNotFound))
		})
	})

	DescribeTable("DetectContentType",
		func(data []byte, expected string) {
			Expect(DetectContentType(data)).To(Equal(expected))
		},
		Entry("png", pngData(32), "image/png"),
		Entry("jpeg", jpegData(32), "image/jpeg"),
		Entry("pdf", []byte("%PDF-1.7\n"), "application/pdf"),
	)
})
