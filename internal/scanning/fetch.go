package scanning

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// MaxImageBytes caps the download of a signed image URL
const MaxImageBytes = 10 << 20

// Image is a downloaded receipt image
type Image struct {
	Data []byte
	// Format is the genai/ollama image format suffix: "png" or "jpeg"
	Format string
}

// Fetcher downloads images from signed URLs
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher; a nil client gets a default with a 30s timeout
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client}
}

// Fetch downloads the image and checks it is PNG or JPEG
func (f *Fetcher) Fetch(ctx context.Context, imageURL string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}

	mt := mimetype.Detect(data)
	switch {
	case mt.Is("image/png"):
		return &Image{Data: data, Format: "png"}, nil
	case mt.Is("image/jpeg"):
		return &Image{Data: data, Format: "jpeg"}, nil
	default:
		return nil, fmt.Errorf("unsupported image type %s", mt.String())
	}
}
