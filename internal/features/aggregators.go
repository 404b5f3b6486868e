// Package features declares how raw value series are summarised into fixed-width
// feature columns: aggregators, fallbacks, feature specs, group-spec expansion,
// deterministic column names and the layered feature sets used for ablation.
package features

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/pkg/frame"
)

// Aggregator is the closed set of reductions applied to the events inside a window
type Aggregator int

const (
	Count Aggregator = iota + 1
	Sum
	Mean
	Min
	Max
	Latest
	Earliest
	Bool
	Variance
	ChangePerDay
	UniqueCount
	Concatenate
)

var aggregatorNames = map[Aggregator]string{
	Count:        "count",
	Sum:          "sum",
	Mean:         "mean",
	Min:          "min",
	Max:          "max",
	Latest:       "latest",
	Earliest:     "earliest",
	Bool:         "bool",
	Variance:     "variance",
	ChangePerDay: "change_per_day",
	UniqueCount:  "unique_count",
	Concatenate:  "concatenate",
}

// Aggregators returns every aggregator in declaration order
func Aggregators() []Aggregator {
	out := make([]Aggregator, 0, len(aggregatorNames))
	for a := Count; a <= Concatenate; a++ {
		out = append(out, a)
	}
	return out
}

// String returns the name used in column names and configuration files
func (a Aggregator) String() string {
	if n, ok := aggregatorNames[a]; ok {
		return n
	}
	return fmt.Sprintf("aggregator(%d)", int(a))
}

// ParseAggregator resolves an aggregator by name
func ParseAggregator(name string) (Aggregator, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a, n := range aggregatorNames {
		if n == name {
			return a, nil
		}
	}
	return 0, domain.NewValidationError("aggregator", "unknown aggregation function", name)
}

// Valid reports whether a is a declared aggregator
func (a Aggregator) Valid() bool {
	_, ok := aggregatorNames[a]
	return ok
}

// Output returns the column kind produced by the aggregator
func (a Aggregator) Output() frame.Kind {
	if a == Concatenate {
		return frame.String
	}
	return frame.Float
}

// Reduce summarises a non-empty window of events sorted ascending by timestamp.
// The boolean is false when the window is empty, in which case the caller must
// substitute the spec's fallback. Reduce never turns an empty window into a zero.
func (a Aggregator) Reduce(window []domain.Event) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}
	switch a {
	case Count:
		return float64(len(window)), true
	case Bool:
		return 1, true
	case Latest:
		return window[len(window)-1].Value, true
	case Earliest:
		return window[0].Value, true
	case UniqueCount:
		seen := make(map[uint64]struct{}, len(window))
		for _, e := range window {
			seen[domain.ValueKey(e.Value)] = struct{}{}
		}
		return float64(len(seen)), true
	}

	values := make([]float64, len(window))
	for i, e := range window {
		values[i] = e.Value
	}
	switch a {
	case Sum:
		return floats.Sum(values), true
	case Mean:
		return stat.Mean(values, nil), true
	case Min:
		return floats.Min(values), true
	case Max:
		return floats.Max(values), true
	case Variance:
		if len(values) < 2 {
			return math.NaN(), true
		}
		return stat.Variance(values, nil), true
	case ChangePerDay:
		return changePerDay(window, values), true
	}
	return math.NaN(), true
}

// ReduceText concatenates the text of a non-empty window in timestamp order
func (a Aggregator) ReduceText(window []domain.Event) (string, bool) {
	if len(window) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(window))
	for _, e := range window {
		if e.Text != "" {
			parts = append(parts, e.Text)
		}
	}
	return strings.Join(parts, " "), true
}

// changePerDay is the least-squares slope of value against time in days
func changePerDay(window []domain.Event, values []float64) float64 {
	if len(window) < 2 {
		return math.NaN()
	}
	origin := window[0].Timestamp
	days := make([]float64, len(window))
	for i, e := range window {
		days[i] = e.Timestamp.Sub(origin).Hours() / 24
	}
	if stat.Variance(days, nil) == 0 {
		return math.NaN()
	}
	_, beta := stat.LinearRegression(days, values, nil, false)
	return beta
}

// sortedAggregatorNames lists the names longest first so that regex alternation
// prefers e.g. "unique_count" over "count"
func sortedAggregatorNames() []string {
	names := make([]string, 0, len(aggregatorNames))
	for _, n := range aggregatorNames {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}
