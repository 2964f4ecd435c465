package receipt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the verification state of a receipt
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusUnverified || s == StatusVerified
}

// Receipt represents an uploaded receipt image and its extracted metadata
type Receipt struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id"`
	StoragePath     string           `json:"storage_path"`
	Filename        string           `json:"filename"`
	ContentType     string           `json:"content_type"`
	Merchant        *string          `json:"merchant"`
	TransactionDate *Date            `json:"transaction_date"`
	Amount          *decimal.Decimal `json:"amount"`
	Currency        string           `json:"currency"`
	CategoryID      *string          `json:"category_id"`
	Status          Status           `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Category is an owner-defined spending category
type Category struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Date is a calendar date without time of day
type Date struct {
	time.Time
}

// NewDate returns the date for the given year, month and day
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(value string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return Date{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrValidation, value)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(time.DateOnly)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// SortOrder selects the ordering of ListReceipts results
type SortOrder string

const (
	// SortByDate orders by transaction date, newest first, undated last
	SortByDate SortOrder = "date"
	// SortByCreated orders by upload time, newest first
	SortByCreated SortOrder = "created"
)

// Filter narrows ListReceipts. Zero values do not filter.
type Filter struct {
	CategoryID    *string
	Uncategorized bool
	Status        Status
	From          *Date
	To            *Date
	Merchant      string
	Sort          SortOrder
}

// Match reports whether r satisfies every condition of the filter
func (f Filter) Match(r *Receipt) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Uncategorized && r.CategoryID != nil {
		return false
	}
	if f.CategoryID != nil && (r.CategoryID == nil || *r.CategoryID != *f.CategoryID) {
		return false
	}
	if f.From != nil || f.To != nil {
		if r.TransactionDate == nil {
			return false
		}
		if f.From != nil && r.TransactionDate.Before(f.From.Time) {
			return false
		}
		if f.To != nil && r.TransactionDate.After(f.To.Time) {
			return false
		}
	}
	if f.Merchant != "" {
		if r.Merchant == nil || !strings.Contains(strings.ToLower(*r.Merchant), strings.ToLower(f.Merchant)) {
			return false
		}
	}
	return true
}

// SortReceipts sorts receipts in place by the given order
func SortReceipts(receipts []*Receipt, order SortOrder) {
	sort.SliceStable(receipts, func(i, j int) bool {
		a, b := receipts[i], receipts[j]
		if order != SortByCreated {
			switch {
			case a.TransactionDate != nil && b.TransactionDate == nil:
				return true
			case a.TransactionDate == nil && b.TransactionDate != nil:
				return false
			case a.TransactionDate != nil && !a.TransactionDate.Equal(b.TransactionDate.Time):
				return a.TransactionDate.After(b.TransactionDate.Time)
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
