package contracts

import (
	"fmt"
	"strconv"
	"strings"
)

// Monetary amounts travel on the wire as fixed-point decimal strings and are
// held internally as integer micro-USD (1e-6). Floats never touch persisted
// cost values.

// ParseUSD converts a decimal string like "0.0042" to micro-USD.
func ParseUSD(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ValidationError{Field: "amount_usd", Reason: "empty amount"}
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		frac = frac[:6] // truncate below micro-USD resolution
	}
	for len(frac) < 6 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "amount_usd", Reason: "not a decimal: " + s}
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "amount_usd", Reason: "not a decimal: " + s}
	}
	v := w*1_000_000 + f
	if neg {
		v = -v
	}
	return v, nil
}

// FormatMicroUSD renders micro-USD as a six-decimal string, e.g. "0.004200".
func FormatMicroUSD(v int64) string {
	neg := ""
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", neg, v/1_000_000, v%1_000_000)
}
