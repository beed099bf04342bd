package distribution

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// WatermarkLength is the width of an NSU.
const WatermarkLength = 15

// ZeroWatermark starts a scope that has never been polled.
const ZeroWatermark = "000000000000000"

// NormalizeWatermark validates s and zero-pads it to 15 digits. An empty
// string is the zero watermark.
func NormalizeWatermark(s string) (string, error) {
	n, err := parseNSU(s)
	if err != nil {
		return "", err
	}
	return formatNSU(n), nil
}

// CompareWatermarks orders two watermarks numerically. Invalid values
// sort as zero.
func CompareWatermarks(a, b string) int {
	x, _ := parseNSU(a)
	y, _ := parseNSU(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func parseNSU(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if len(s) > WatermarkLength {
		return 0, fiscalerr.Validation("ultNSU", "watermark %q exceeds %d digits", s, WatermarkLength)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fiscalerr.Validation("ultNSU", "watermark %q is not numeric", s)
	}
	return n, nil
}

func formatNSU(n uint64) string {
	return fmt.Sprintf("%0*d", WatermarkLength, n)
}
