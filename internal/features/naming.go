package features

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/psycop-feature-generation/internal/domain"
)

func formatDays(d float64) string {
	return strconv.FormatFloat(d, 'g', -1, 64)
}

// ColumnInfo is everything recoverable from a feature column name
type ColumnInfo struct {
	Prefix     string
	Family     Family
	Name       string
	Window     Window
	Aggregator Aggregator
	Unit       TimeUnit
	Fallback   Fallback
}

var (
	temporalPattern = regexp.MustCompile(
		`^(.+?)_within_([0-9.eE+-]+)_to_([0-9.eE+-]+)_days_(` +
			strings.Join(sortedAggregatorNames(), "|") + `)_fallback_(.*)$`)
	timeDeltaPattern = regexp.MustCompile(`^(.+)_in_(days|years)_fallback_(.*)$`)
	staticPattern    = regexp.MustCompile(`^(.+?)_fallback_(.*)$`)
)

// ParseColumnName recovers the spec description from a column produced by
// Spec.ColumnName. It is the inverse used by dataset-description tooling.
func ParseColumnName(col string, p domain.Prefixes) (ColumnInfo, error) {
	var info ColumnInfo
	var rest string
	switch {
	case p.Outcome != "" && strings.HasPrefix(col, p.Outcome+"_"):
		info.Prefix, rest = p.Outcome, strings.TrimPrefix(col, p.Outcome+"_")
	case p.Predictor != "" && strings.HasPrefix(col, p.Predictor+"_"):
		info.Prefix, rest = p.Predictor, strings.TrimPrefix(col, p.Predictor+"_")
	default:
		return info, fmt.Errorf("column %q has no known prefix: %w", col, domain.ErrNotFound)
	}

	if m := temporalPattern.FindStringSubmatch(rest); m != nil {
		lo, errLo := strconv.ParseFloat(m[2], 64)
		hi, errHi := strconv.ParseFloat(m[3], 64)
		if errLo != nil || errHi != nil {
			return info, domain.NewValidationError("column", "unparseable window bounds", col)
		}
		agg, err := ParseAggregator(m[4])
		if err != nil {
			return info, err
		}
		fb, err := ParseFallback(m[5], agg == Concatenate)
		if err != nil {
			return info, err
		}
		info.Family = FamilyPredictor
		if info.Prefix == p.Outcome {
			info.Family = FamilyOutcome
		}
		info.Name, info.Window, info.Aggregator, info.Fallback = m[1], Window{Lo: lo, Hi: hi}, agg, fb
		return info, nil
	}

	if info.Prefix == p.Outcome {
		return info, domain.NewValidationError("column", "outcome columns must be temporal", col)
	}

	if m := timeDeltaPattern.FindStringSubmatch(rest); m != nil {
		fb, err := ParseFallback(m[3], false)
		if err != nil {
			return info, err
		}
		info.Family, info.Name, info.Unit, info.Fallback = FamilyTimeDelta, m[1], TimeUnit(m[2]), fb
		return info, nil
	}

	if m := staticPattern.FindStringSubmatch(rest); m != nil {
		fb, err := ParseFallback(m[2], false)
		if err != nil {
			return info, err
		}
		info.Family, info.Name, info.Fallback = FamilyStatic, m[1], fb
		return info, nil
	}

	return info, domain.NewValidationError("column", "not a feature column name", col)
}
