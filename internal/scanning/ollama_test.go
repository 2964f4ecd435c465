package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

var _ = Describe("Ollama", func() {
	var (
		imageServer  *ghttp.Server
		ollamaServer *ghttp.Server
		scanner      *Ollama
		ctx          context.Context
		fields       *Fields
		err          error
	)

	BeforeEach(func() {
		ctx = context.Background()
		imageServer = ghttp.NewServer()
		ollamaServer = ghttp.NewServer()

		imageServer.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("GET", "/blobs/u1/receipt.png"),
			ghttp.RespondWith(http.StatusOK, pngBytes),
		))

		var newErr error
		scanner, newErr = NewOllama(ollamaServer.URL(), "qwen2.5vl", nil)
		Expect(newErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		imageServer.Close()
		ollamaServer.Close()
	})

	JustBeforeEach(func() {
		fields, err = scanner.Extract(ctx, imageServer.URL()+"/blobs/u1/receipt.png")
	})

	respondWithContent := func(content string) http.HandlerFunc {
		return ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: content},
			Done:    true,
		})
	}

	When("the model answers with the contract", func() {
		BeforeEach(func() {
			ollamaServer.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())

					var req ollamaChatRequest
					Expect(json.Unmarshal(body, &req)).To(Succeed())
					Expect(req.Model).To(Equal("qwen2.5vl"))
					Expect(req.Format).NotTo(BeEmpty())
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				respondWithContent(`{"merchant":"Coffee Shop","date":"2024-03-01","amount":4.5,"currency":"USD"}`),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the merchant", func() {
			Expect(fields.Merchant).To(HaveValue(Equal("Coffee Shop")))
		})
	})

	When("the model answers in prose", func() {
		BeforeEach(func() {
			ollamaServer.AppendHandlers(respondWithContent("I'm sorry, I can't help with that."))
		})

		It("returns a refused failure", func() {
			var failure *Failure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(ReasonRefused))
		})
	})

	When("the model answers with an invalid shape", func() {
		BeforeEach(func() {
			ollamaServer.AppendHandlers(respondWithContent(`{"merchant": 12}`))
		})

		It("returns an invalid response failure", func() {
			var failure *Failure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(ReasonInvalidResponse))
		})

		It("should not return fields", func() {
			Expect(fields).To(BeNil())
		})
	})

	When("the model reports an amount too large to store", func() {
		BeforeEach(func() {
			ollamaServer.AppendHandlers(respondWithContent(`{"merchant":"Shell","date":"2024-03-01","amount":123456789012.5,"currency":"USD"}`))
		})

		It("returns an invalid response failure", func() {
			var failure *Failure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(ReasonInvalidResponse))
		})
	})

	When("the API returns an error status", func() {
		BeforeEach(func() {
			ollamaServer.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns a request failure", func() {
			var failure *Failure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(ReasonRequest))
			Expect(err).To(MatchError(ErrExtraction))
		})
	})

	When("the context deadline passes during the call", func() {
		var cancel context.CancelFunc

		BeforeEach(func() {
			ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
			ollamaServer.AppendHandlers(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			})
		})

		AfterEach(func() {
			cancel()
		})

		It("returns a timeout failure", func() {
			var failure *Failure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Reason).To(Equal(ReasonTimeout))
		})
	})
})
