// Package cohort narrows candidate prediction times down to the eligible set through
// an ordered sequence of named filter steps, recording how many rows and entities
// each step removed.
package cohort

import (
	"fmt"
	"sort"

	"github.com/psycop-feature-generation/internal/domain"
)

// AgeCol is the derived column added by AddAgeStep
const AgeCol = "age"

// State is the intermediate table passed between filter steps: the prediction times
// plus derived float columns aligned with them. States are never mutated in place.
type State struct {
	times   []domain.PredictionTime
	derived map[string][]float64
}

// NewState wraps prediction times without derived columns
func NewState(pts []domain.PredictionTime) *State {
	cp := make([]domain.PredictionTime, len(pts))
	copy(cp, pts)
	return &State{times: cp, derived: map[string][]float64{}}
}

// Times returns the prediction times
func (s *State) Times() []domain.PredictionTime { return s.times }

// Len returns the number of prediction times
func (s *State) Len() int { return len(s.times) }

// Columns returns the identifier columns followed by the derived columns, sorted
func (s *State) Columns() []string {
	names := make([]string, 0, len(s.derived))
	for n := range s.derived {
		names = append(names, n)
	}
	sort.Strings(names)
	return append([]string{domain.EntityIDCol, domain.TimestampCol}, names...)
}

// Has reports whether the column is available
func (s *State) Has(name string) bool {
	if name == domain.EntityIDCol || name == domain.TimestampCol {
		return true
	}
	_, ok := s.derived[name]
	return ok
}

// Column returns a derived column
func (s *State) Column(name string) ([]float64, error) {
	col, ok := s.derived[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingColumn, name)
	}
	return col, nil
}

// WithColumn returns a new state with an added or replaced derived column.
// Identifier columns cannot be replaced.
func (s *State) WithColumn(name string, values []float64) (*State, error) {
	if name == domain.EntityIDCol || name == domain.TimestampCol {
		return nil, domain.NewValidationError("column", "identifier columns are read-only", name)
	}
	if len(values) != len(s.times) {
		return nil, domain.NewValidationError("column", fmt.Sprintf("expected %d values", len(s.times)), len(values))
	}
	derived := make(map[string][]float64, len(s.derived)+1)
	for k, v := range s.derived {
		derived[k] = v
	}
	derived[name] = values
	return &State{times: s.times, derived: derived}, nil
}

// Keep returns a new state holding only the rows where keep is true
func (s *State) Keep(keep func(i int, p domain.PredictionTime) bool) *State {
	idx := make([]int, 0, len(s.times))
	for i, p := range s.times {
		if keep(i, p) {
			idx = append(idx, i)
		}
	}
	out := &State{
		times:   make([]domain.PredictionTime, len(idx)),
		derived: make(map[string][]float64, len(s.derived)),
	}
	for j, i := range idx {
		out.times[j] = s.times[i]
	}
	for name, col := range s.derived {
		vals := make([]float64, len(idx))
		for j, i := range idx {
			vals[j] = col[i]
		}
		out.derived[name] = vals
	}
	return out
}

// countIDs counts distinct values of the entity id column, which is either the
// prediction times' own entity id or a derived column
func (s *State) countIDs(col string) (int, error) {
	if col == "" || col == domain.EntityIDCol {
		return domain.CountIDs(s.times), nil
	}
	vals, err := s.Column(col)
	if err != nil {
		return 0, err
	}
	seen := make(map[float64]struct{}, len(vals))
	for _, v := range vals {
		seen[v] = struct{}{}
	}
	return len(seen), nil
}
