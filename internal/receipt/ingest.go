package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

// Stage names where a file in a batch failed
const (
	StageUpload  = "upload"
	StagePersist = "persist"
)

// FileError reports one file of a batch that produced no receipt
type FileError struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
	Message  string `json:"error"`
	Err      error  `json:"-"`
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Filename, e.Stage, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// IngestResult holds the outcome of a batch, in input order
type IngestResult struct {
	Created  []*Receipt   `json:"created"`
	Failures []*FileError `json:"failures"`
}

func newFileError(index int, filename, stage string, err error) *FileError {
	reason := "internal"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrAuth):
		reason = "auth"
	case errors.Is(err, ErrStorage):
		reason = "storage"
	case errors.Is(err, ErrPersist):
		reason = "persist"
	}
	return &FileError{
		Index:    index,
		Filename: filename,
		Stage:    stage,
		Reason:   reason,
		Message:  err.Error(),
		Err:      err,
	}
}

// Ingest uploads, extracts and records every file of the batch.
// Each file yields exactly one receipt or one FileError; a failing file never
// affects its siblings. Extraction problems degrade to empty fields.
func (s *Service) Ingest(ctx context.Context, ownerID string, files []File) (*IngestResult, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}

	type outcome struct {
		receipt *Receipt
		failure *FileError
	}
	outcomes := make([]outcome, len(files))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, f := range files {
		g.Go(func() error {
			receipt, failure := s.ingestOne(ctx, ownerID, i, f)
			outcomes[i] = outcome{receipt: receipt, failure: failure}
			return nil
		})
	}
	g.Wait()

	result := &IngestResult{
		Created:  make([]*Receipt, 0, len(files)),
		Failures: make([]*FileError, 0),
	}
	for _, o := range outcomes {
		if o.failure != nil {
			result.Failures = append(result.Failures, o.failure)
			continue
		}
		result.Created = append(result.Created, o.receipt)
	}
	return result, nil
}

func (s *Service) ingestOne(ctx context.Context, ownerID string, index int, f File) (*Receipt, *FileError) {
	storagePath, err := s.gateway.Upload(ctx, ownerID, f)
	if err != nil {
		slog.Warn("Failed to upload receipt", "filename", f.Filename, "file_size", len(f.Data), "error", err)
		ingestFilesTotal.WithLabelValues("upload_failed").Inc()
		return nil, newFileError(index, f.Filename, StageUpload, err)
	}

	fields := s.extract(ctx, storagePath)

	now := s.timeSource.Now()
	receipt := &Receipt{
		ID:          s.idGenerator.Generate(),
		OwnerID:     ownerID,
		StoragePath: storagePath,
		Filename:    sanitizeFilename(f.Filename),
		ContentType: DetectContentType(f.Data),
		Merchant:    fields.Merchant,
		Amount:      fields.Amount,
		Currency:    fields.Currency,
		Status:      StatusUnverified,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if fields.Date != nil {
		if d, err := ParseDate(*fields.Date); err == nil {
			receipt.TransactionDate = &d
		}
	}

	if err := s.db.CreateReceipt(ctx, receipt); err != nil {
		// The blob stays behind for the orphan sweep
		slog.Error("Failed to save receipt", "filename", f.Filename, "storage_path", storagePath, "error", err)
		ingestFilesTotal.WithLabelValues("persist_failed").Inc()
		return nil, newFileError(index, f.Filename, StagePersist, fmt.Errorf("%w: %w", ErrPersist, err))
	}

	ingestFilesTotal.WithLabelValues("created").Inc()
	return receipt, nil
}

// extract signs a URL for the stored image and asks the scanner for fields.
// It never fails: any problem yields empty fields.
func (s *Service) extract(ctx context.Context, storagePath string) *scanning.Fields {
	start := time.Now()
	defer func() {
		extractionDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.extractTimeout)
	defer cancel()

	imageURL, err := s.gateway.SignedURL(ctx, storagePath, s.signedURLTTL)
	if err != nil {
		slog.Warn("Failed to sign receipt URL for extraction", "storage_path", storagePath, "error", err)
		extractionsTotal.WithLabelValues("signed_url").Inc()
		return scanning.EmptyFields()
	}

	fields, err := s.scanner.Extract(ctx, imageURL)
	if err != nil {
		reason := "unknown"
		var failure *scanning.Failure
		if errors.As(err, &failure) {
			reason = string(failure.Reason)
		} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = string(scanning.ReasonTimeout)
		}
		slog.Warn("Failed to extract receipt fields", "storage_path", storagePath, "reason", reason, "error", err)
		extractionsTotal.WithLabelValues(reason).Inc()
		return scanning.EmptyFields()
	}
	if fields == nil {
		extractionsTotal.WithLabelValues("empty").Inc()
		return scanning.EmptyFields()
	}
	if fields.Currency == "" {
		fields.Currency = scanning.DefaultCurrency
	}

	extractionsTotal.WithLabelValues("ok").Inc()
	return fields
}
