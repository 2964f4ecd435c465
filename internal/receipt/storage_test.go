package receipt

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("LocalStorage", func() {
	var (
		ctx         context.Context
		tmpDir      string
		signer      *URLSigner
		ghttpServer *ghttp.Server
		storage     *LocalStorage
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()

		var err error
		signer, err = NewURLSigner("test-secret")
		Expect(err).NotTo(HaveOccurred())

		ghttpServer = ghttp.NewServer()
		storage, err = NewLocalStorage(tmpDir, ghttpServer.URL()+"/", signer)
		Expect(err).NotTo(HaveOccurred())
		ghttpServer.RouteToHandler(http.MethodGet, regexp.MustCompile(`^/blobs/`), storage.Handler().ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("Put", func() {
		var (
			path string
			data []byte
			err  error
		)

		BeforeEach(func() {
			path = "u1/receipt.png"
			data = []byte("test file content")
		})

		JustBeforeEach(func() {
			err = storage.Put(ctx, path, data, "image/png")
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, "u1", "receipt.png")).To(BeAnExistingFile())
			})
		})

		When("the path is already taken", func() {
			BeforeEach(func() {
				Expect(storage.Put(ctx, path, []byte("first"), "image/png")).To(Succeed())
			})

			It("returns ErrObjectExists", func() {
				Expect(err).To(MatchError(ErrObjectExists))
			})

			It("keeps the original bytes", func() {
				got, getErr := storage.Get(ctx, path)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(string(got)).To(Equal("first"))
			})
		})

		When("the path escapes the base directory", func() {
			BeforeEach(func() {
				path = "../outside.png"
			})

			It("returns ErrValidation", func() {
				Expect(err).To(MatchError(ErrValidation))
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.png")).NotTo(BeAnExistingFile())
			})
		})
	})

	Describe("Get", func() {
		It("returns the stored bytes", func() {
			Expect(storage.Put(ctx, "u1/a.png", []byte("abc"), "image/png")).To(Succeed())
			data, err := storage.Get(ctx, "u1/a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("abc")))
		})

		It("returns ErrObjectNotFound for a missing file", func() {
			_, err := storage.Get(ctx, "u1/missing.png")
			Expect(err).To(MatchError(ErrObjectNotFound))
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			Expect(storage.Put(ctx, "u1/a.png", []byte("abc"), "image/png")).To(Succeed())
			Expect(storage.Delete(ctx, "u1/a.png")).To(Succeed())
			Expect(filepath.Join(tmpDir, "u1", "a.png")).NotTo(BeAnExistingFile())
		})

		It("returns ErrObjectNotFound for a missing file", func() {
			Expect(storage.Delete(ctx, "u1/missing.png")).To(MatchError(ErrObjectNotFound))
		})
	})

	Describe("Walk", func() {
		It("visits every stored object with slash paths", func() {
			Expect(storage.Put(ctx, "u1/a.png", []byte("abc"), "image/png")).To(Succeed())
			Expect(storage.Put(ctx, "u2/b.jpg", []byte("de"), "image/jpeg")).To(Succeed())

			var objects []Object
			Expect(storage.Walk(ctx, func(o Object) error {
				objects = append(objects, o)
				return nil
			})).To(Succeed())

			Expect(objects).To(HaveLen(2))
			Expect(objects).To(ContainElement(HaveField("Path", "u1/a.png")))
			Expect(objects).To(ContainElement(And(HaveField("Path", "u2/b.jpg"), HaveField("Size", int64(2)))))
		})
	})

	Describe("SignedURL", func() {
		BeforeEach(func() {
			Expect(storage.Put(ctx, "u1/a.png", pngData(64), "image/png")).To(Succeed())
		})

		It("points at the blob route of the public URL", func() {
			signed, err := storage.SignedURL(ctx, "u1/a.png", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(signed).To(HavePrefix(ghttpServer.URL() + "/blobs/u1/a.png?token="))
		})

		It("serves the file to the holder of the URL", func() {
			signed, err := storage.SignedURL(ctx, "u1/a.png", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(signed)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, _ := io.ReadAll(resp.Body)
			Expect(body).To(Equal(pngData(64)))
		})

		It("refuses a request without a token", func() {
			resp, err := http.Get(ghttpServer.URL() + "/blobs/u1/a.png")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("refuses a token minted for another path", func() {
			Expect(storage.Put(ctx, "u2/b.png", pngData(64), "image/png")).To(Succeed())
			signed, err := storage.SignedURL(ctx, "u1/a.png", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(strings.Replace(signed, "/blobs/u1/a.png", "/blobs/u2/b.png", 1))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("refuses an expired token", func() {
			signed, err := storage.SignedURL(ctx, "u1/a.png", -time.Minute)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(signed)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("returns ErrObjectNotFound for a missing file", func() {
			_, err := storage.SignedURL(ctx, "u1/missing.png", time.Minute)
			Expect(err).To(MatchError(ErrObjectNotFound))
		})

		It("returns 404 when the file vanished after signing", func() {
			signed, err := storage.SignedURL(ctx, "u1/a.png", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Remove(filepath.Join(tmpDir, "u1", "a.png"))).To(Succeed())

			resp, err := http.Get(signed)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

var _ = Describe("URLSigner", func() {
	It("requires a secret", func() {
		_, err := NewURLSigner("")
		Expect(err).To(HaveOccurred())
	})

	It("verifies its own tokens", func() {
		signer, _ := NewURLSigner("s1")
		token, err := signer.Sign("u1/a.png", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(signer.Verify(token, "u1/a.png")).To(Succeed())
	})

	It("rejects tokens from another secret", func() {
		a, _ := NewURLSigner("s1")
		b, _ := NewURLSigner("s2")
		token, _ := a.Sign("u1/a.png", time.Minute)
		Expect(b.Verify(token, "u1/a.png")).NotTo(Succeed())
	})

	It("rejects an empty token", func() {
		signer, _ := NewURLSigner("s1")
		Expect(signer.Verify("", "u1/a.png")).NotTo(Succeed())
	})
})
