package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits every balance and amount
// carries, matching numeric(20,4) in storage.
const AmountScale = 4

// ParseAmount parses a positive decimal amount with at most AmountScale
// fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidRequest)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a decimal", ErrInvalidRequest, s)
	}
	return d, ValidateAmount(d)
}

// ValidateAmount rejects non-positive amounts and amounts finer than the
// storage scale.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidRequest, AmountScale)
	}
	return nil
}

// FormatAmount renders d at storage scale, e.g. "100.0000".
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}

// AmountFromPayload reads an amount field from an event payload. Payloads
// written by this service carry strings; numbers are accepted for events
// produced elsewhere.
func AmountFromPayload(payload map[string]any, key string) (decimal.Decimal, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case fmt.Stringer:
		return decimal.NewFromString(x.String())
	default:
		return decimal.Zero, fmt.Errorf("payload %s has unsupported type %T", key, v)
	}
}

// StringFromPayload returns payload[key] when it is a string.
func StringFromPayload(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
