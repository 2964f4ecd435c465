package scanning

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Fetcher", func() {
	var (
		server  *ghttp.Server
		fetcher *Fetcher
		img     *Image
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		fetcher = NewFetcher(nil)
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		img, err = fetcher.Fetch(context.Background(), server.URL()+"/image")
	})

	When("the image is a JPEG", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...)))
		})

		It("should report the jpeg format", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Format).To(Equal("jpeg"))
		})
	})

	When("the image is a PNG", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, pngBytes))
		})

		It("should report the png format", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Format).To(Equal("png"))
		})
	})

	When("the content is not an image", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "%PDF-1.4 fake pdf"))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("unsupported image type")))
		})
	})

	When("the signed URL has expired", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden, "expired"))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 403")))
		})
	})
})
