// Package money converts decimal currency text into integer minor units
// (cents) the way the teacher's btcToSats converts a float64 BTC amount
// into satoshis: the scaled value is first rounded to a millionth of a
// minor unit, which cancels binary floating-point error (so "0.29" yields
// 29, not 28), and only then truncated.
package money

import (
	"math"
	"strconv"
	"strings"
)

// ParseMinorUnits parses a decimal amount string (optionally with thousands
// separators and a leading sign) into integer minor units, truncating any
// fractional cent. ok is false if s has no parseable numeric content.
func ParseMinorUnits(s string) (minor int64, ok bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Trunc(math.Round(f*100*1e6) / 1e6)), true
}
