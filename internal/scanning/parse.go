package scanning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// maxAmount is the first value a receipts.amount numeric(12,2) column cannot hold
var maxAmount = decimal.New(1, 10)

// errNoJSONObject means the model answered in prose instead of the contract
var errNoJSONObject = errors.New("no JSON object found in response")

// alternateDateLayouts are accepted from models that ignore the ISO instruction
var alternateDateLayouts = []string{
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// contractFields mirrors the output contract before validation
type contractFields struct {
	Merchant *string         `json:"merchant"`
	Date     *string         `json:"date"`
	Amount   json.RawMessage `json:"amount"`
	Currency *string         `json:"currency"`
}

// parseFields parses and validates the model response against the output contract
func parseFields(text string) (*Fields, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, errNoJSONObject
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, errors.New("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw contractFields
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	fields := EmptyFields()

	if raw.Merchant != nil {
		if merchant := strings.TrimSpace(*raw.Merchant); merchant != "" {
			fields.Merchant = &merchant
		}
	}

	if raw.Date != nil {
		if d := strings.TrimSpace(*raw.Date); d != "" {
			normalized, err := normalizeDate(d)
			if err != nil {
				return nil, err
			}
			fields.Date = &normalized
		}
	}

	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return nil, err
	}
	fields.Amount = amount

	if raw.Currency != nil {
		if c := strings.ToUpper(strings.TrimSpace(*raw.Currency)); c != "" {
			fields.Currency = c
		}
	}

	if err := validate.Struct(fields); err != nil {
		return nil, fmt.Errorf("validating fields: %w", err)
	}

	return fields, nil
}

// normalizeDate converts the accepted layouts to YYYY-MM-DD
func normalizeDate(value string) (string, error) {
	if d, err := time.Parse(time.DateOnly, value); err == nil {
		return d.Format(time.DateOnly), nil
	}
	for _, layout := range alternateDateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d.Format(time.DateOnly), nil
		}
	}
	return "", fmt.Errorf("date %q is not an ISO 8601 date", value)
}

// parseAmount accepts a JSON number or null
func parseAmount(raw json.RawMessage) (*decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		return nil, fmt.Errorf("amount must be a number, got %s", raw)
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing amount: %w", err)
	}
	d = d.Round(2)
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return nil, fmt.Errorf("amount %s is out of range", d.StringFixed(2))
	}
	return &d, nil
}
