package receipt

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
)

// MaxUploadBytes is the largest accepted receipt image
const MaxUploadBytes = 10 << 20

var allowedTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
}

// File is one uploaded file before it reaches storage
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Gateway validates uploads and puts them into blob storage under owner-scoped paths
type Gateway struct {
	storage Storage
}

// NewGateway creates a Gateway over the storage backend
func NewGateway(storage Storage) *Gateway {
	return &Gateway{storage: storage}
}

// DetectContentType sniffs the MIME type of data
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

func normalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mediaType == "image/jpg" || mediaType == "image/pjpeg" {
		return "image/jpeg"
	}
	return mediaType
}

func contentTypeForPath(p string) string {
	switch path.Ext(p) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Upload validates the file and stores it, returning the storage path
func (g *Gateway) Upload(ctx context.Context, ownerID string, f File) (string, error) {
	if ownerID == "" {
		return "", ErrAuth
	}
	if len(f.Data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrValidation, f.Filename)
	}
	if len(f.Data) > MaxUploadBytes {
		return "", fmt.Errorf("%w: %s is larger than %d MiB", ErrValidation, f.Filename, MaxUploadBytes>>20)
	}

	declared := normalizeContentType(f.ContentType)
	if declared != "" && declared != "application/octet-stream" {
		if _, ok := allowedTypes[declared]; !ok {
			return "", fmt.Errorf("%w: unsupported content type %s", ErrValidation, declared)
		}
	}

	sniffed := DetectContentType(f.Data)
	ext, ok := allowedTypes[sniffed]
	if !ok {
		return "", fmt.Errorf("%w: unsupported content type %s", ErrValidation, sniffed)
	}
	if declared != "" && declared != "application/octet-stream" && declared != sniffed {
		return "", fmt.Errorf("%w: declared %s but content is %s", ErrValidation, declared, sniffed)
	}

	storagePath := url.PathEscape(ownerID) + "/" + ulid.Make().String() + "." + ext
	if err := g.storage.Put(ctx, storagePath, f.Data, sniffed); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return storagePath, nil
}

// SignedURL returns a time-limited read URL for the object
func (g *Gateway) SignedURL(ctx context.Context, storagePath string, ttl time.Duration) (string, error) {
	signed, err := g.storage.SignedURL(ctx, storagePath, ttl)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return signed, nil
}

// Delete removes the object. A missing object matches ErrObjectNotFound.
func (g *Gateway) Delete(ctx context.Context, storagePath string) error {
	if err := g.storage.Delete(ctx, storagePath); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}
