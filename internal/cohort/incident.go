package cohort

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/outcome"
)

// CohortDefiner describes a study cohort: its eligible prediction times and the
// outcome timestamps they are labelled against
type CohortDefiner interface {
	FilteredPredictionTimes(ctx context.Context) (*Bundle, error)
	OutcomeTimestamps(ctx context.Context) (*outcome.Frame, error)
}

// IncidentCohort is the standard new-onset cohort. Filters run in the order
// min date, max date, age, quarantine, prevalence, exclusions, first-visit washout,
// lookahead coverage; steps whose configuration is empty are skipped.
type IncidentCohort struct {
	Config          domain.CohortConfig
	PredictionTimes domain.PredictionTimesLoader
	Birthdays       domain.Loader
	Quarantine      domain.Loader
	Outcomes        []domain.Loader
	Exclusions      []domain.Loader
	Logger          *logrus.Logger
	Observers       []StepObserver
}

var _ CohortDefiner = (*IncidentCohort)(nil)

// OutcomeTimestamps returns the first outcome event per entity across all outcome loaders
func (c *IncidentCohort) OutcomeTimestamps(ctx context.Context) (*outcome.Frame, error) {
	sources, err := c.outcomeSources(ctx)
	if err != nil {
		return nil, err
	}
	return outcome.FirstEvent(sources...), nil
}

// OutcomeSeries returns the first-event series of every outcome loader keyed by loader
// name, the values outcome labels are computed from. A non-empty merged name also maps
// to the first event across all outcome loaders, the frame the prevalence filter uses.
func (c *IncidentCohort) OutcomeSeries(ctx context.Context, merged string) (map[string]*domain.ValueSeries, error) {
	sources, err := c.outcomeSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.ValueSeries, len(sources)+1)
	for _, src := range sources {
		out[src.Name] = outcome.FirstEvent(src).ToSeries(src.Name)
	}
	if merged != "" {
		if _, ok := out[merged]; ok {
			return nil, domain.NewValidationError("cohort.outcome_name", "collides with an outcome loader", merged)
		}
		out[merged] = outcome.FirstEvent(sources...).ToSeries(merged)
	}
	return out, nil
}

func (c *IncidentCohort) outcomeSources(ctx context.Context) ([]outcome.Source, error) {
	params, err := domain.NewLoadParams(domain.PurposeOutcome)
	if err != nil {
		return nil, err
	}
	sources := make([]outcome.Source, 0, len(c.Outcomes))
	for _, l := range c.Outcomes {
		s, err := l.Load(ctx, params)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeLoader, l.Name(), "loading outcome events", err)
		}
		sources = append(sources, outcome.Source{Name: l.Name(), Series: s})
	}
	return sources, nil
}

// Filters builds the configured filter sequence
func (c *IncidentCohort) Filters(ctx context.Context) ([]Filter, error) {
	params, err := domain.NewLoadParams(domain.PurposePredictor)
	if err != nil {
		return nil, err
	}
	cfg := c.Config

	var filters []Filter
	if !cfg.MinDate.IsZero() {
		filters = append(filters, MinDateFilter{MinDate: cfg.MinDate})
	}
	if !cfg.MaxDate.IsZero() {
		filters = append(filters, MaxDateFilter{MaxDate: cfg.MaxDate})
	}
	if c.Birthdays != nil {
		births, err := c.Birthdays.Load(ctx, params)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeLoader, c.Birthdays.Name(), "loading birthdays", err)
		}
		filters = append(filters, AddAgeStep{Birthdays: births}, AgeFilter{MinAge: cfg.MinAge, MaxAge: cfg.MaxAge})
	}
	if c.Quarantine != nil && cfg.QuarantineDays > 0 {
		q, err := c.Quarantine.Load(ctx, params)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeLoader, c.Quarantine.Name(), "loading quarantine events", err)
		}
		filters = append(filters, QuarantineFilter{Quarantine: q, Days: cfg.QuarantineDays})
	}
	if len(c.Outcomes) > 0 {
		outcomes, err := c.OutcomeTimestamps(ctx)
		if err != nil {
			return nil, err
		}
		filters = append(filters, PrevalenceFilter{FirstOutcomes: outcomes.ByEntity()})
	}
	for _, l := range c.Exclusions {
		events, err := l.Load(ctx, params)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeLoader, l.Name(), "loading exclusion events", err)
		}
		filters = append(filters, ExclusionEventFilter{Label: l.Name(), Events: events})
	}
	if cfg.WashoutDays > 0 {
		filters = append(filters, WashoutOnFirstVisitFilter{Days: cfg.WashoutDays})
	}
	if cfg.LookaheadDays > 0 && !cfg.DataEndDate.IsZero() {
		filters = append(filters, LookaheadCoverageFilter{DataEnd: cfg.DataEndDate, LookaheadDays: cfg.LookaheadDays})
	}
	return filters, nil
}

// FilteredPredictionTimes loads the candidate prediction times and runs the filters
func (c *IncidentCohort) FilteredPredictionTimes(ctx context.Context) (*Bundle, error) {
	if c.PredictionTimes == nil {
		return nil, domain.NewValidationError("prediction_times_loader", "is required", nil)
	}
	params, err := domain.NewLoadParams(domain.PurposePredictor)
	if err != nil {
		return nil, err
	}
	pts, err := c.PredictionTimes.LoadPredictionTimes(ctx, params)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeLoader, "prediction_times", "loading prediction times", err)
	}

	filters, err := c.Filters(ctx)
	if err != nil {
		return nil, fmt.Errorf("building cohort filters: %w", err)
	}

	opts := []RunOption{WithLogger(c.Logger)}
	for _, obs := range c.Observers {
		opts = append(opts, WithObserver(obs))
	}
	return FilterPredictionTimes(ctx, pts, filters, domain.EntityIDCol, opts...)
}
