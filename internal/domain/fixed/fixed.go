// Package fixed provides the fixed-point score arithmetic shared by the
// delegation resolver and the tally engine.
package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// WorkingPlaces is the fractional precision kept for intermediate quotients.
	WorkingPlaces = 16
	// StoredPlaces is the fractional precision of every persisted score.
	StoredPlaces = 8
	// DisplayPlaces is the precision used in audit text.
	DisplayPlaces = 2
)

// Zero is the decimal zero value.
var Zero = decimal.Zero

// Round rounds d to the stored precision using round-half-even.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(StoredPlaces)
}

// Mean returns the arithmetic mean of values, rounded half-even to the stored
// precision. The second return is false when values is empty.
func Mean(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return Zero, false
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	q := sum.DivRound(decimal.NewFromInt(int64(len(values))), WorkingPlaces)
	return Round(q), true
}

// Format renders d for audit text with two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixedBank(DisplayPlaces)
}

// Range is a closed score interval.
type Range struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultRange is the 0-5 scale.
var DefaultRange = Range{Min: decimal.Zero, Max: decimal.NewFromInt(5)}

// NewRange builds a range and rejects an empty interval.
func NewRange(lo, hi int64) (Range, error) {
	if hi <= lo {
		return Range{}, fmt.Errorf("%w: max %d must exceed min %d", ErrInvalidRange, hi, lo)
	}
	return Range{Min: decimal.NewFromInt(lo), Max: decimal.NewFromInt(hi)}, nil
}

// Contains reports whether d lies inside the range.
func (r Range) Contains(d decimal.Decimal) bool {
	return !d.LessThan(r.Min) && !d.GreaterThan(r.Max)
}

// IsMax reports whether d equals the top of the range.
func (r Range) IsMax(d decimal.Decimal) bool { return d.Equal(r.Max) }

// IsMin reports whether d equals the bottom of the range.
func (r Range) IsMin(d decimal.Decimal) bool { return d.Equal(r.Min) }

// Parse reads a score from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidScore, s)
	}
	return d, nil
}
