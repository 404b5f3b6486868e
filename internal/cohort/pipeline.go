package cohort

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/domain"
)

// Filter is one named eligibility step. Requires lists the columns the step reads
// beyond entity_id and timestamp; Provides lists the derived columns it adds.
// Apply must return a new state and may only drop rows or add columns.
type Filter interface {
	Name() string
	Requires() []string
	Provides() []string
	Apply(ctx context.Context, s *State) (*State, error)
}

// FilterStep records the effect of one filter application
type FilterStep struct {
	StepIndex              int    `json:"step_index"`
	StepName               string `json:"step_name"`
	NPredictionTimesBefore int    `json:"n_prediction_times_before"`
	NPredictionTimesAfter  int    `json:"n_prediction_times_after"`
	NIDsBefore             int    `json:"n_ids_before"`
	NIDsAfter              int    `json:"n_ids_after"`
}

// Dropped returns how many prediction times the step removed
func (s FilterStep) Dropped() int { return s.NPredictionTimesBefore - s.NPredictionTimesAfter }

// Bundle is the read-only result of a filter run: the eligible prediction times and
// the ordered audit trail of every step
type Bundle struct {
	PredictionTimes []domain.PredictionTime
	Steps           []FilterStep
}

// StepObserver receives every recorded step, e.g. to persist the audit trail
type StepObserver func(ctx context.Context, step FilterStep)

type runOptions struct {
	logger    *logrus.Logger
	observers []StepObserver
}

// RunOption configures FilterPredictionTimes
type RunOption func(*runOptions)

// WithLogger logs every step at info level
func WithLogger(l *logrus.Logger) RunOption {
	return func(o *runOptions) { o.logger = l }
}

// WithObserver registers a step observer
func WithObserver(obs StepObserver) RunOption {
	return func(o *runOptions) { o.observers = append(o.observers, obs) }
}

// ValidateOrder checks that every step's required columns are present in the input
// or provided by an earlier step. A requirement that only a later step provides is
// reported as an ordering error.
func ValidateOrder(initial []string, filters []Filter) error {
	available := make(map[string]bool, len(initial))
	for _, c := range initial {
		available[c] = true
	}
	for i, f := range filters {
		for _, req := range f.Requires() {
			if available[req] {
				continue
			}
			for j := i + 1; j < len(filters); j++ {
				for _, p := range filters[j].Provides() {
					if p == req {
						return fmt.Errorf("%w: step %d (%s) requires %q which is only provided by later step %d (%s)",
							domain.ErrMissingColumn, i, f.Name(), req, j, filters[j].Name())
					}
				}
			}
			return fmt.Errorf("%w: step %d (%s) requires %q", domain.ErrMissingColumn, i, f.Name(), req)
		}
		for _, p := range f.Provides() {
			available[p] = true
		}
	}
	return nil
}

// FilterPredictionTimes applies the filters in order and records one FilterStep per
// application. entityIDCol names the column whose distinct values are counted as
// ids; empty means entity_id. Ordering is validated before any step runs.
func FilterPredictionTimes(ctx context.Context, pts []domain.PredictionTime, filters []Filter, entityIDCol string, opts ...RunOption) (*Bundle, error) {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	state := NewState(pts)
	if err := ValidateOrder(state.Columns(), filters); err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeFilter, "validate", "invalid filter order", err)
	}

	steps := make([]FilterStep, 0, len(filters))
	for i, f := range filters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idsBefore, err := state.countIDs(entityIDCol)
		if err != nil {
			return nil, err
		}

		next, err := f.Apply(ctx, state)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeFilter, f.Name(), "filter step failed", err)
		}
		if next.Len() > state.Len() {
			return nil, domain.NewPipelineError(domain.ErrCodeFilter, f.Name(),
				fmt.Sprintf("step added rows (%d -> %d)", state.Len(), next.Len()), nil)
		}
		idsAfter, err := next.countIDs(entityIDCol)
		if err != nil {
			return nil, err
		}

		step := FilterStep{
			StepIndex:              i,
			StepName:               f.Name(),
			NPredictionTimesBefore: state.Len(),
			NPredictionTimesAfter:  next.Len(),
			NIDsBefore:             idsBefore,
			NIDsAfter:              idsAfter,
		}
		steps = append(steps, step)
		for _, obs := range o.observers {
			obs(ctx, step)
		}
		if o.logger != nil {
			o.logger.WithFields(logrus.Fields{
				"step":       step.StepIndex,
				"name":       step.StepName,
				"rows_after": step.NPredictionTimesAfter,
				"dropped":    step.Dropped(),
				"ids_after":  step.NIDsAfter,
			}).Info("Applied filter step")
		}
		state = next
	}

	return &Bundle{PredictionTimes: state.Times(), Steps: steps}, nil
}
