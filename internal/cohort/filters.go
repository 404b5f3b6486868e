package cohort

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/psycop-feature-generation/internal/domain"
)

const daysPerYear = 365.25

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// earliest maps every entity of the series to its earliest timestamp
func earliest(s *domain.ValueSeries) map[int64]time.Time {
	out := make(map[int64]time.Time)
	if s == nil {
		return out
	}
	for _, e := range s.Events {
		if ts, ok := out[e.EntityID]; !ok || e.Timestamp.Before(ts) {
			out[e.EntityID] = e.Timestamp
		}
	}
	return out
}

// MinDateFilter drops prediction times before MinDate
type MinDateFilter struct {
	MinDate time.Time
}

func (f MinDateFilter) Name() string       { return "min_date" }
func (f MinDateFilter) Requires() []string { return nil }
func (f MinDateFilter) Provides() []string { return nil }

func (f MinDateFilter) Apply(_ context.Context, s *State) (*State, error) {
	return s.Keep(func(_ int, p domain.PredictionTime) bool { return !p.Timestamp.Before(f.MinDate) }), nil
}

// MaxDateFilter drops prediction times after MaxDate
type MaxDateFilter struct {
	MaxDate time.Time
}

func (f MaxDateFilter) Name() string       { return "max_date" }
func (f MaxDateFilter) Requires() []string { return nil }
func (f MaxDateFilter) Provides() []string { return nil }

func (f MaxDateFilter) Apply(_ context.Context, s *State) (*State, error) {
	return s.Keep(func(_ int, p domain.PredictionTime) bool { return !p.Timestamp.After(f.MaxDate) }), nil
}

// AddAgeStep adds the age in years at each prediction time from the entity's
// birthday. Entities without a birthday get NaN, which AgeFilter drops.
type AddAgeStep struct {
	Birthdays *domain.ValueSeries
}

func (f AddAgeStep) Name() string       { return "add_age" }
func (f AddAgeStep) Requires() []string { return nil }
func (f AddAgeStep) Provides() []string { return []string{AgeCol} }

func (f AddAgeStep) Apply(_ context.Context, s *State) (*State, error) {
	births := earliest(f.Birthdays)
	ages := make([]float64, s.Len())
	for i, p := range s.Times() {
		b, ok := births[p.EntityID]
		if !ok {
			ages[i] = math.NaN()
			continue
		}
		ages[i] = p.Timestamp.Sub(b).Hours() / 24 / daysPerYear
	}
	return s.WithColumn(AgeCol, ages)
}

// AgeFilter keeps prediction times with MinAge <= age <= MaxAge
type AgeFilter struct {
	MinAge float64
	MaxAge float64
}

func (f AgeFilter) Name() string       { return "age" }
func (f AgeFilter) Requires() []string { return []string{AgeCol} }
func (f AgeFilter) Provides() []string { return nil }

func (f AgeFilter) Apply(_ context.Context, s *State) (*State, error) {
	if f.MaxAge > 0 && f.MinAge > f.MaxAge {
		return nil, domain.NewValidationError("age", "min age exceeds max age", fmt.Sprintf("%g > %g", f.MinAge, f.MaxAge))
	}
	ages, err := s.Column(AgeCol)
	if err != nil {
		return nil, err
	}
	return s.Keep(func(i int, _ domain.PredictionTime) bool {
		a := ages[i]
		if math.IsNaN(a) || a < f.MinAge {
			return false
		}
		return f.MaxAge <= 0 || a <= f.MaxAge
	}), nil
}

// QuarantineFilter drops any prediction time within Days after one of the entity's
// quarantine events, i.e. in (q, q+Days]
type QuarantineFilter struct {
	Quarantine *domain.ValueSeries
	Days       int
}

func (f QuarantineFilter) Name() string       { return "quarantine" }
func (f QuarantineFilter) Requires() []string { return nil }
func (f QuarantineFilter) Provides() []string { return nil }

func (f QuarantineFilter) Apply(_ context.Context, s *State) (*State, error) {
	if f.Days < 0 {
		return nil, domain.NewValidationError("quarantine_days", "must not be negative", f.Days)
	}
	if f.Quarantine == nil {
		return s, nil
	}
	events := f.Quarantine.ByEntity()
	window := days(f.Days)
	return s.Keep(func(_ int, p domain.PredictionTime) bool {
		for _, q := range events[p.EntityID] {
			if p.Timestamp.After(q.Timestamp) && !p.Timestamp.After(q.Timestamp.Add(window)) {
				return false
			}
		}
		return true
	}), nil
}

// PrevalenceFilter drops prediction times strictly after the entity's first outcome,
// leaving only incident (not yet diagnosed) cases
type PrevalenceFilter struct {
	FirstOutcomes map[int64]time.Time
}

func (f PrevalenceFilter) Name() string       { return "prevalence" }
func (f PrevalenceFilter) Requires() []string { return nil }
func (f PrevalenceFilter) Provides() []string { return nil }

func (f PrevalenceFilter) Apply(_ context.Context, s *State) (*State, error) {
	return s.Keep(func(_ int, p domain.PredictionTime) bool {
		first, ok := f.FirstOutcomes[p.EntityID]
		return !ok || !p.Timestamp.After(first)
	}), nil
}

// ExclusionEventFilter drops prediction times at or after the entity's first
// exclusion event, e.g. a type 1 diabetes diagnosis for a type 2 cohort
type ExclusionEventFilter struct {
	Label  string
	Events *domain.ValueSeries
}

func (f ExclusionEventFilter) Name() string {
	if f.Label == "" {
		return "exclusion"
	}
	return "exclusion_" + f.Label
}
func (f ExclusionEventFilter) Requires() []string { return nil }
func (f ExclusionEventFilter) Provides() []string { return nil }

func (f ExclusionEventFilter) Apply(_ context.Context, s *State) (*State, error) {
	first := earliest(f.Events)
	return s.Keep(func(_ int, p domain.PredictionTime) bool {
		ex, ok := first[p.EntityID]
		return !ok || p.Timestamp.Before(ex)
	}), nil
}

// WashoutOnFirstVisitFilter drops prediction times within Days of the entity's first
// prediction time, so every entity has a minimum amount of observed history
type WashoutOnFirstVisitFilter struct {
	Days int
}

func (f WashoutOnFirstVisitFilter) Name() string       { return "washout_first_visit" }
func (f WashoutOnFirstVisitFilter) Requires() []string { return nil }
func (f WashoutOnFirstVisitFilter) Provides() []string { return nil }

func (f WashoutOnFirstVisitFilter) Apply(_ context.Context, s *State) (*State, error) {
	first := make(map[int64]time.Time)
	for _, p := range s.Times() {
		if ts, ok := first[p.EntityID]; !ok || p.Timestamp.Before(ts) {
			first[p.EntityID] = p.Timestamp
		}
	}
	window := days(f.Days)
	return s.Keep(func(_ int, p domain.PredictionTime) bool {
		return !p.Timestamp.Before(first[p.EntityID].Add(window))
	}), nil
}

// LookaheadCoverageFilter drops prediction times whose lookahead window extends past
// the end of the available data
type LookaheadCoverageFilter struct {
	DataEnd       time.Time
	LookaheadDays int
}

func (f LookaheadCoverageFilter) Name() string       { return "lookahead_coverage" }
func (f LookaheadCoverageFilter) Requires() []string { return nil }
func (f LookaheadCoverageFilter) Provides() []string { return nil }

func (f LookaheadCoverageFilter) Apply(_ context.Context, s *State) (*State, error) {
	window := days(f.LookaheadDays)
	return s.Keep(func(_ int, p domain.PredictionTime) bool {
		return !p.Timestamp.Add(window).After(f.DataEnd)
	}), nil
}
