package document

import (
	"math"
	"strconv"
	"strings"
)

// NoGTIN is the cEAN value for items without a trade item code.
const NoGTIN = "SEM GTIN"

// GTIN returns barcode when it has 8, 12, 13 or 14 digits and is not marked
// absent, and NoGTIN otherwise.
func GTIN(barcode string, absent bool) string {
	if absent {
		return NoGTIN
	}
	d := strings.TrimSpace(barcode)
	if d != onlyDigits(d) {
		return NoGTIN
	}
	switch len(d) {
	case 8, 12, 13, 14:
		return d
	default:
		return NoGTIN
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func money(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', 2, 64)
}

func quantity(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// unitPrice formats with up to 10 decimals, trimming trailing zeros past two.
func unitPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', 10, 64)
	s = strings.TrimRight(s, "0")
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 < 2 {
		s += strings.Repeat("0", 2-(len(s)-i-1))
	}
	return s
}

func rate(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
