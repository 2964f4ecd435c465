package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when the model does not report a currency
const DefaultCurrency = "USD"

// Fields contains the structured data extracted from a receipt image
type Fields struct {
	Merchant *string          `json:"merchant" validate:"omitempty,max=200"`
	Date     *string          `json:"date" validate:"omitempty,datetime=2006-01-02"` // ISO 8601 date
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency" validate:"required,iso4217"`
}

// EmptyFields returns the fields used when extraction is unavailable
func EmptyFields() *Fields {
	return &Fields{Currency: DefaultCurrency}
}

// Scanner defines the interface for receipt extraction
type Scanner interface {
	// Extract fetches the image behind imageURL and asks the model for its fields.
	// Every returned error is a *Failure.
	Extract(ctx context.Context, imageURL string) (*Fields, error)
	// Close closes the scanner and releases resources
	Close() error
}

// ErrExtraction matches every *Failure via errors.Is
var ErrExtraction = errors.New("extraction failed")

// Reason classifies an extraction failure
type Reason string

const (
	ReasonFetch           Reason = "fetch"
	ReasonRequest         Reason = "request"
	ReasonRefused         Reason = "refused"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonTimeout         Reason = "timeout"
)

// Failure is the single error type returned by Scanner implementations
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("extraction failed (%s)", f.Reason)
	}
	return fmt.Sprintf("extraction failed (%s): %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func (f *Failure) Is(target error) bool {
	return target == ErrExtraction
}

// fail builds a Failure, reclassifying context deadline errors as timeouts
func fail(ctx context.Context, reason Reason, err error) error {
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	return &Failure{Reason: reason, Err: err}
}
