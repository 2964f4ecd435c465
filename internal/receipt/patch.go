package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const maxMerchantLength = 200

// Optional distinguishes an absent field from an explicit null.
// Set=false leaves the stored value untouched; Set=true with a nil Value clears it.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some returns a set Optional holding v
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null returns a set Optional that clears the field
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// Patch is a typed partial update of a receipt
type Patch struct {
	Merchant        Optional[string]
	TransactionDate Optional[Date]
	Amount          Optional[decimal.Decimal]
	Currency        Optional[string]
	CategoryID      Optional[string]
	Status          Optional[Status]
}

// Apply writes the set fields onto r and stamps UpdatedAt
func (p Patch) Apply(r *Receipt, now time.Time) error {
	if p.Status.Set {
		if p.Status.Value == nil || !p.Status.Value.Valid() {
			return fmt.Errorf("%w: status is required", ErrValidation)
		}
		if r.Status == StatusVerified && *p.Status.Value == StatusUnverified {
			return fmt.Errorf("%w: a verified receipt cannot return to unverified", ErrValidation)
		}
		r.Status = *p.Status.Value
	}
	if p.Merchant.Set {
		r.Merchant = p.Merchant.Value
	}
	if p.TransactionDate.Set {
		r.TransactionDate = p.TransactionDate.Value
	}
	if p.Amount.Set {
		if p.Amount.Value != nil {
			amount := p.Amount.Value.Round(2)
			r.Amount = &amount
		} else {
			r.Amount = nil
		}
	}
	if p.Currency.Set {
		if p.Currency.Value == nil {
			r.Currency = scanning.DefaultCurrency
		} else {
			r.Currency = *p.Currency.Value
		}
	}
	if p.CategoryID.Set {
		r.CategoryID = p.CategoryID.Value
	}
	r.UpdatedAt = now
	return nil
}

// AmountText accepts either a JSON number or a JSON string. A number is exact,
// so it is stored in fixed two-place form and never read as grouped digits.
type AmountText string

func (a *AmountText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = AmountText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	*a = AmountText(d.Round(2).StringFixed(2))
	return nil
}

// Edit is a correction as submitted by a person reviewing a receipt.
// Values are raw text and are checked by Patch.
type Edit struct {
	Merchant   Optional[string]     `json:"merchant"`
	Date       Optional[string]     `json:"date"`
	Amount     Optional[AmountText] `json:"amount"`
	Currency   Optional[string]     `json:"currency"`
	CategoryID Optional[string]     `json:"category_id"`
	Status     Optional[string]     `json:"status"`
}

// Patch validates the edit and converts it into a typed Patch
func (e Edit) Patch() (Patch, error) {
	var p Patch

	if e.Merchant.Set {
		p.Merchant = Null[string]()
		if e.Merchant.Value != nil {
			if m := strings.TrimSpace(*e.Merchant.Value); m != "" {
				if len(m) > maxMerchantLength {
					return Patch{}, fmt.Errorf("%w: merchant is longer than %d characters", ErrValidation, maxMerchantLength)
				}
				p.Merchant = Some(m)
			}
		}
	}

	if e.Date.Set {
		p.TransactionDate = Null[Date]()
		if e.Date.Value != nil && strings.TrimSpace(*e.Date.Value) != "" {
			d, err := ParseDate(*e.Date.Value)
			if err != nil {
				return Patch{}, err
			}
			p.TransactionDate = Some(d)
		}
	}

	if e.Amount.Set {
		p.Amount = Null[decimal.Decimal]()
		if e.Amount.Value != nil && strings.TrimSpace(string(*e.Amount.Value)) != "" {
			amount, err := ParseAmount(string(*e.Amount.Value))
			if err != nil {
				return Patch{}, err
			}
			p.Amount = Some(amount)
		}
	}

	if e.Currency.Set {
		p.Currency = Null[string]()
		if e.Currency.Value != nil {
			if c := strings.ToUpper(strings.TrimSpace(*e.Currency.Value)); c != "" {
				if err := validate.Var(c, "iso4217"); err != nil {
					return Patch{}, fmt.Errorf("%w: currency %q is not an ISO 4217 code", ErrValidation, c)
				}
				p.Currency = Some(c)
			}
		}
	}

	if e.CategoryID.Set {
		p.CategoryID = Null[string]()
		if e.CategoryID.Value != nil {
			if id := strings.TrimSpace(*e.CategoryID.Value); id != "" {
				p.CategoryID = Some(id)
			}
		}
	}

	if e.Status.Set {
		if e.Status.Value == nil {
			return Patch{}, fmt.Errorf("%w: status cannot be null", ErrValidation)
		}
		status := Status(strings.ToLower(strings.TrimSpace(*e.Status.Value)))
		if !status.Valid() {
			return Patch{}, fmt.Errorf("%w: unknown status %q", ErrValidation, *e.Status.Value)
		}
		p.Status = Some(status)
	}

	return p, nil
}
