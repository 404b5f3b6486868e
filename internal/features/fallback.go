package features

import (
	"math"
	"strconv"
	"strings"

	"github.com/psycop-feature-generation/internal/domain"
)

// Fallback is the value written when a window holds no qualifying events.
// It is either numeric (NaN allowed) or text, matching the aggregator output.
type Fallback struct {
	num    float64
	text   string
	isText bool
}

// Num returns a numeric fallback
func Num(v float64) Fallback { return Fallback{num: v} }

// NaN returns the missing-value fallback typically used for lab values
func NaN() Fallback { return Fallback{num: math.NaN()} }

// Text returns a text fallback for the concatenate aggregator
func Text(s string) Fallback { return Fallback{text: s, isText: true} }

// IsText reports whether the fallback is a text value
func (f Fallback) IsText() bool { return f.isText }

// Float returns the numeric value
func (f Fallback) Float() float64 { return f.num }

// TextValue returns the text value
func (f Fallback) TextValue() string { return f.text }

// String renders the fallback as it appears in column names
func (f Fallback) String() string {
	if f.isText {
		return f.text
	}
	if math.IsNaN(f.num) {
		return "nan"
	}
	return strconv.FormatFloat(f.num, 'g', -1, 64)
}

// ParseFallback is the inverse of String. Text fallbacks are parsed verbatim.
func ParseFallback(s string, text bool) (Fallback, error) {
	if text {
		return Text(s), nil
	}
	if strings.EqualFold(s, "nan") {
		return NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Fallback{}, domain.NewValidationError("fallback", "not a number or nan", s)
	}
	return Num(v), nil
}

// Equal compares fallbacks, treating NaN as equal to NaN
func (f Fallback) Equal(o Fallback) bool {
	if f.isText != o.isText {
		return false
	}
	if f.isText {
		return f.text == o.text
	}
	return f.num == o.num || (math.IsNaN(f.num) && math.IsNaN(o.num))
}
