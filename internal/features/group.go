package features

import (
	"fmt"

	"github.com/psycop-feature-generation/internal/domain"
)

// GroupSpec declares many temporal specs at once. Expand returns the cartesian
// product series × windows × aggregators × fallbacks, in that nesting order.
type GroupSpec struct {
	Family      Family
	Series      []*domain.ValueSeries
	Windows     []Window
	Aggregators []Aggregator
	Fallbacks   []Fallback
}

// PredictorGroup creates a lookbehind group spec
func PredictorGroup(series []*domain.ValueSeries, windows []Window, aggs []Aggregator, fallbacks []Fallback) GroupSpec {
	return GroupSpec{Family: FamilyPredictor, Series: series, Windows: windows, Aggregators: aggs, Fallbacks: fallbacks}
}

// OutcomeGroup creates a lookahead group spec
func OutcomeGroup(series []*domain.ValueSeries, windows []Window, aggs []Aggregator, fallbacks []Fallback) GroupSpec {
	return GroupSpec{Family: FamilyOutcome, Series: series, Windows: windows, Aggregators: aggs, Fallbacks: fallbacks}
}

// Size returns the number of specs Expand will produce
func (g GroupSpec) Size() int {
	return len(g.Series) * len(g.Windows) * len(g.Aggregators) * len(g.Fallbacks)
}

// Expand builds every individual spec of the group. The first invalid combination
// aborts the expansion.
func (g GroupSpec) Expand() ([]Spec, error) {
	if g.Family != FamilyPredictor && g.Family != FamilyOutcome {
		return nil, domain.NewValidationError("family", "group specs must be predictor or outcome", g.Family.String())
	}
	if g.Size() == 0 {
		return nil, domain.NewValidationError("group", "needs at least one series, window, aggregator and fallback", g.Size())
	}

	specs := make([]Spec, 0, g.Size())
	for _, series := range g.Series {
		if series == nil {
			return nil, domain.NewValidationError("series", "is required", nil)
		}
		for _, w := range g.Windows {
			for _, agg := range g.Aggregators {
				for _, fb := range g.Fallbacks {
					spec, err := newTemporalSpec(g.Family, series.Name, series, w, agg, fb)
					if err != nil {
						return nil, fmt.Errorf("expanding %s: %w", series.Name, err)
					}
					specs = append(specs, spec)
				}
			}
		}
	}
	return specs, nil
}

// ExpandAll expands several groups and concatenates the result
func ExpandAll(groups ...GroupSpec) ([]Spec, error) {
	var out []Spec
	for _, g := range groups {
		specs, err := g.Expand()
		if err != nil {
			return nil, err
		}
		out = append(out, specs...)
	}
	return out, nil
}

// CheckUniqueColumns fails when two specs would produce the same column name
func CheckUniqueColumns(specs []Spec, p domain.Prefixes) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		name := s.ColumnName(p)
		if seen[name] {
			return domain.NewValidationError("column", "duplicate feature column", name)
		}
		seen[name] = true
	}
	return nil
}
