package scale

import (
	"math"
	"strconv"
	"strings"
)

// Weight is a fixed-point reading: Units / 10^Decimals.
type Weight struct {
	Units    uint64
	Decimals int
}

// Float64 returns the reading as a float, in kilograms for every
// supported brand.
func (w Weight) Float64() float64 {
	return float64(w.Units) / math.Pow10(w.Decimals)
}

// String formats the reading with its own number of decimal places.
func (w Weight) String() string {
	return strconv.FormatFloat(w.Float64(), 'f', w.Decimals, 64)
}

// DecodeWeight strips every non-digit from field and scales the remaining
// integer by 10^decimals.
func DecodeWeight(field string, decimals int) (Weight, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, field)
	if digits == "" {
		return Weight{}, newError(KindInvalidResponse, "invalid weight format: "+strconv.Quote(field), []byte(field))
	}

	units, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return Weight{}, newError(KindInvalidResponse, "invalid weight format: "+strconv.Quote(field), []byte(field))
	}

	return Weight{Units: units, Decimals: decimals}, nil
}
