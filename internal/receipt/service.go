package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

const (
	defaultExtractTimeout = 60 * time.Second
	defaultSignedURLTTL   = 5 * time.Minute
	defaultConcurrency    = 4
	signedURLCacheSize    = 1024
	maxCategoryNameLength = 100
)

var (
	filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces = regexp.MustCompile(`\s+`)
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Option configures a Service
type Option func(*Service)

// WithExtractTimeout bounds signing plus extraction for one file
func WithExtractTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.extractTimeout = d
		}
	}
}

// WithSignedURLTTL sets the lifetime of signed URLs handed to the scanner and to clients
func WithSignedURLTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.signedURLTTL = d
		}
	}
}

// WithConcurrency limits how many files of a batch are processed at once
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Service handles receipt operations
type Service struct {
	db          DB
	scanner     scanning.Scanner
	gateway     *Gateway
	idGenerator IDGenerator
	timeSource  TimeSource

	extractTimeout time.Duration
	signedURLTTL   time.Duration
	concurrency    int
	urlCache       *expirable.LRU[string, string]
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner scanning.Scanner, storage Storage, opts ...Option) *Service {
	return NewServiceWithDeps(db, scanner, storage, &uuidGenerator{}, &defaultTimeSource{}, opts...)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, idGen IDGenerator, timeSrc TimeSource, opts ...Option) *Service {
	s := &Service{
		db:             db,
		scanner:        scanner,
		gateway:        NewGateway(storage),
		idGenerator:    idGen,
		timeSource:     timeSrc,
		extractTimeout: defaultExtractTimeout,
		signedURLTTL:   defaultSignedURLTTL,
		concurrency:    defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Cached URLs expire well before the URL itself does
	s.urlCache = expirable.NewLRU[string, string](signedURLCacheSize, nil, s.signedURLTTL/2)
	return s
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = filenameUnsafe.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Phone cameras produce very long names
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, ownerID, id string) (*Receipt, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	receipt, err := s.db.GetReceipt(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns the owner's receipts matching the filter
func (s *Service) ListReceipts(ctx context.Context, ownerID string, filter Filter) ([]*Receipt, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Sort != "" && filter.Sort != SortByDate && filter.Sort != SortByCreated {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrValidation, filter.Sort)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(filter.To.Time) {
		return nil, fmt.Errorf("%w: from is after to", ErrValidation)
	}
	receipts, err := s.db.ListReceipts(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceipt applies a correction without changing verification unless asked.
// A verified receipt cannot be moved back to unverified.
func (s *Service) UpdateReceipt(ctx context.Context, ownerID, id string, edit Edit) (*Receipt, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	if _, err := s.db.GetReceipt(ctx, ownerID, id); err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	patch, err := edit.Patch()
	if err != nil {
		return nil, err
	}
	return s.applyPatch(ctx, ownerID, id, patch)
}

func (s *Service) applyPatch(ctx context.Context, ownerID, id string, patch Patch) (*Receipt, error) {
	if patch.CategoryID.Set && patch.CategoryID.Value != nil {
		if _, err := s.db.GetCategory(ctx, ownerID, *patch.CategoryID.Value); err != nil {
			if errors.Is(err, ErrNotFoundOrForbidden) {
				return nil, fmt.Errorf("%w: unknown category %s", ErrValidation, *patch.CategoryID.Value)
			}
			return nil, fmt.Errorf("getting category: %w", err)
		}
	}

	receipt, err := s.db.UpdateReceipt(ctx, ownerID, id, patch, s.timeSource.Now())
	if err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) || errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: updating receipt: %w", ErrPersist, err)
	}
	return receipt, nil
}

// DeleteReceipt removes the blob and then the record.
// A blob that is already gone does not block removing the record.
func (s *Service) DeleteReceipt(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return ErrAuth
	}
	receipt, err := s.db.GetReceipt(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.gateway.Delete(ctx, receipt.StoragePath); err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			return err
		}
		slog.Warn("Receipt blob already missing", "receipt_id", id, "storage_path", receipt.StoragePath)
	}
	s.urlCache.Remove(receipt.StoragePath)

	if err := s.db.DeleteReceipt(ctx, ownerID, id); err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) {
			return err
		}
		return fmt.Errorf("%w: deleting receipt from database: %w", ErrPersist, err)
	}
	return nil
}

// ImageURL returns a signed URL for the receipt image
func (s *Service) ImageURL(ctx context.Context, ownerID, id string) (string, error) {
	receipt, err := s.GetReceipt(ctx, ownerID, id)
	if err != nil {
		return "", err
	}

	if signed, ok := s.urlCache.Get(receipt.StoragePath); ok {
		signedURLCacheTotal.WithLabelValues("hit").Inc()
		return signed, nil
	}
	signedURLCacheTotal.WithLabelValues("miss").Inc()

	signed, err := s.gateway.SignedURL(ctx, receipt.StoragePath, s.signedURLTTL)
	if err != nil {
		return "", err
	}
	s.urlCache.Add(receipt.StoragePath, signed)
	return signed, nil
}

// CreateCategory adds a category for the owner
func (s *Service) CreateCategory(ctx context.Context, ownerID, name string) (*Category, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	name = strings.TrimSpace(name)
	if err := validate.Var(name, fmt.Sprintf("required,max=%d", maxCategoryNameLength)); err != nil {
		return nil, fmt.Errorf("%w: category name must be 1 to %d characters", ErrValidation, maxCategoryNameLength)
	}

	now := s.timeSource.Now()
	category := &Category{
		ID:        s.idGenerator.Generate(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateCategory(ctx, category); err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: saving category: %w", ErrPersist, err)
	}
	return category, nil
}

// ListCategories returns the owner's categories
func (s *Service) ListCategories(ctx context.Context, ownerID string) ([]*Category, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	categories, err := s.db.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return categories, nil
}

// DeleteCategory removes a category; receipts that used it become uncategorized
func (s *Service) DeleteCategory(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return ErrAuth
	}
	if err := s.db.DeleteCategory(ctx, ownerID, id, s.timeSource.Now()); err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) {
			return err
		}
		return fmt.Errorf("%w: deleting category: %w", ErrPersist, err)
	}
	return nil
}
