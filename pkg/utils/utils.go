// Package utils provides small numeric helpers shared across the
// trading core: decimal rounding to exchange increments and the
// min/max clamps the risk and position packages apply to sizing caps.
package utils

import (
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundToDecimalPlaces rounds a decimal to the given number of places.
func RoundToDecimalPlaces(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// RoundToTickSize rounds a price down to the nearest multiple of
// tickSize, the exchange's minimum price increment for the product.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ValidateWebhookURL rejects anything but a well-formed http(s) URL,
// guarding the alerting service from a malformed policy.yaml entry.
func ValidateWebhookURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
