package receipt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	plainAmount = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

	// numeric(12,2)
	maxAmount = decimal.New(1, 10)
)

// ParseAmount converts user-entered money text into a decimal rounded to cents.
// Currency symbols, spaces and thousands separators are dropped. The last "."
// or "," is the decimal point unless it repeats an earlier separator of the
// same kind and is followed by exactly three digits, in which case it is
// grouping. A single separator followed by three digits ("1,234", "12.345")
// could be either and is rejected.
func ParseAmount(value string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := b.String()
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: amount is empty", ErrValidation)
	}

	sign := ""
	switch cleaned[0] {
	case '-':
		sign, cleaned = "-", cleaned[1:]
	case '+':
		cleaned = cleaned[1:]
	}

	if sep := strings.LastIndexAny(cleaned, ".,"); sep >= 0 {
		head, frac := cleaned[:sep], cleaned[sep+1:]
		other := ","
		if cleaned[sep] == ',' {
			other = "."
		}
		zeroHead := strings.TrimLeft(head, "0") == ""
		if len(frac) == 3 && !zeroHead && !strings.ContainsAny(head, ".,") {
			return decimal.Decimal{}, fmt.Errorf("%w: %q is ambiguous, use two decimal places or no separator", ErrValidation, value)
		}
		grouping := len(frac) == 3 && strings.ContainsRune(head, rune(cleaned[sep])) && !strings.Contains(head, other)
		head = strings.NewReplacer(",", "", ".", "").Replace(head)
		switch {
		case frac == "" || grouping:
			cleaned = head + frac
		default:
			cleaned = head + "." + frac
		}
	}

	cleaned = sign + cleaned
	if !plainAmount.MatchString(cleaned) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not an amount", ErrValidation, value)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not an amount", ErrValidation, value)
	}
	d = d.Round(2)
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %s is out of range", ErrValidation, d.StringFixed(2))
	}
	return d, nil
}
