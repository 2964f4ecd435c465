package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Finish reasons the API sends that this genai release has no names for.
// They arrive as raw enum values.
const (
	finishReasonBlocklist         genai.FinishReason = 7
	finishReasonProhibitedContent genai.FinishReason = 8
	finishReasonSPII              genai.FinishReason = 9
	finishReasonImageSafety       genai.FinishReason = 11
)

// refusedFinish reports whether the model stopped because it declined the input
func refusedFinish(reason genai.FinishReason) bool {
	switch reason {
	case genai.FinishReasonSafety, genai.FinishReasonRecitation,
		finishReasonBlocklist, finishReasonProhibitedContent,
		finishReasonSPII, finishReasonImageSafety:
		return true
	}
	return false
}

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	fetcher *Fetcher
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(ctx context.Context, apiKey string, modelName string, fetcher *Fetcher) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = contractSchema
	model.SetTemperature(0)

	return &Gemini{
		client:  client,
		model:   model,
		fetcher: fetcher,
	}, nil
}

// Extract downloads the receipt image and asks Gemini for the contract fields
func (g *Gemini) Extract(ctx context.Context, imageURL string) (*Fields, error) {
	img, err := g.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return nil, fail(ctx, ReasonFetch, err)
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData(img.Format, img.Data),
		genai.Text(receiptScanPrompt),
	)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return nil, fail(ctx, ReasonRefused, err)
		}
		return nil, fail(ctx, ReasonRequest, fmt.Errorf("generating content: %w", err))
	}

	text, reason, err := candidateText(resp)
	if err != nil {
		return nil, fail(ctx, reason, err)
	}

	fields, err := parseFields(text)
	if err != nil {
		return nil, fail(ctx, ReasonInvalidResponse, err)
	}

	return fields, nil
}

// candidateText returns the text of the first candidate. The finish reason is
// checked before the content, since a refused candidate usually has none.
func candidateText(resp *genai.GenerateContentResponse) (string, Reason, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", ReasonInvalidResponse, errors.New("no response from gemini")
	}

	candidate := resp.Candidates[0]
	if refusedFinish(candidate.FinishReason) {
		return "", ReasonRefused, fmt.Errorf("model stopped: %s", candidate.FinishReason)
	}
	if candidate.Content == nil {
		return "", ReasonInvalidResponse, fmt.Errorf("no content from gemini (finish reason %s)", candidate.FinishReason)
	}

	var responseText strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), "", nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
