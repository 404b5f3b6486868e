package cohort

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/outcome"
)

func candidateTimes() []domain.PredictionTime {
	var pts []domain.PredictionTime
	for id := int64(1); id <= 5; id++ {
		for y := 2012; y <= 2022; y += 2 {
			pts = append(pts, pt(id, day(y, 6, 1)))
		}
	}
	return pts
}

func TestFilterPredictionTimes_MonotoneSteps(t *testing.T) {
	births := &domain.ValueSeries{Events: []domain.Event{
		{EntityID: 1, Timestamp: day(1990, 1, 1)},
		{EntityID: 2, Timestamp: day(2010, 1, 1)},
		{EntityID: 3, Timestamp: day(1960, 1, 1)},
		{EntityID: 4, Timestamp: day(1980, 1, 1)},
	}}
	filters := []Filter{
		MinDateFilter{MinDate: day(2013, 1, 1)},
		MaxDateFilter{MaxDate: day(2021, 12, 31)},
		AddAgeStep{Birthdays: births},
		AgeFilter{MinAge: 18, MaxAge: 99},
		QuarantineFilter{Quarantine: &domain.ValueSeries{Events: []domain.Event{{EntityID: 1, Timestamp: day(2015, 1, 1)}}}, Days: 730},
		PrevalenceFilter{FirstOutcomes: map[int64]time.Time{4: day(2017, 1, 1)}},
	}

	var observed []FilterStep
	bundle, err := FilterPredictionTimes(context.Background(), candidateTimes(), filters, domain.EntityIDCol,
		WithObserver(func(_ context.Context, s FilterStep) { observed = append(observed, s) }))
	require.NoError(t, err)

	require.Len(t, bundle.Steps, len(filters))
	assert.Equal(t, bundle.Steps, observed)
	for i, s := range bundle.Steps {
		assert.Equal(t, i, s.StepIndex)
		assert.Equal(t, filters[i].Name(), s.StepName)
		assert.LessOrEqual(t, s.NPredictionTimesAfter, s.NPredictionTimesBefore)
		assert.LessOrEqual(t, s.NIDsAfter, s.NIDsBefore)
		if i > 0 {
			assert.Equal(t, bundle.Steps[i-1].NPredictionTimesAfter, s.NPredictionTimesBefore)
		}
	}
	assert.Equal(t, 0, bundle.Steps[2].Dropped(), "adding a column never drops rows")

	last := bundle.Steps[len(bundle.Steps)-1]
	assert.Equal(t, len(bundle.PredictionTimes), last.NPredictionTimesAfter)

	// entity 1 loses 2016 to quarantine, entity 2 is too young, entity 4 is prevalent
	// from 2017 and entity 5 has no birthday
	assert.Equal(t, []domain.PredictionTime{
		pt(1, day(2014, 6, 1)), pt(1, day(2018, 6, 1)), pt(1, day(2020, 6, 1)),
		pt(3, day(2014, 6, 1)), pt(3, day(2016, 6, 1)), pt(3, day(2018, 6, 1)), pt(3, day(2020, 6, 1)),
		pt(4, day(2014, 6, 1)), pt(4, day(2016, 6, 1)),
	}, bundle.PredictionTimes)
}

func TestFilterPredictionTimes_OrderingValidatedUpFront(t *testing.T) {
	applied := false
	filters := []Filter{
		spyFilter{applied: &applied},
		AgeFilter{MinAge: 18},
		AddAgeStep{},
	}

	_, err := FilterPredictionTimes(context.Background(), candidateTimes(), filters, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingColumn))
	assert.Contains(t, err.Error(), "later step")
	assert.False(t, applied, "no step may run before validation")

	_, err = FilterPredictionTimes(context.Background(), candidateTimes(), []Filter{AgeFilter{}}, "")
	assert.True(t, errors.Is(err, domain.ErrMissingColumn))
}

func TestFilterPredictionTimes_RejectsGrowingStep(t *testing.T) {
	_, err := FilterPredictionTimes(context.Background(), candidateTimes(), []Filter{growingFilter{}}, "")
	var pErr *domain.PipelineError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "grow", pErr.Stage)
}

type spyFilter struct{ applied *bool }

func (f spyFilter) Name() string       { return "spy" }
func (f spyFilter) Requires() []string { return nil }
func (f spyFilter) Provides() []string { return nil }
func (f spyFilter) Apply(_ context.Context, s *State) (*State, error) {
	*f.applied = true
	return s, nil
}

type growingFilter struct{}

func (growingFilter) Name() string       { return "grow" }
func (growingFilter) Requires() []string { return nil }
func (growingFilter) Provides() []string { return nil }
func (growingFilter) Apply(_ context.Context, s *State) (*State, error) {
	return NewState(append(s.Times(), pt(99, day(2020, 1, 1)))), nil
}

type fakeLoader struct {
	name   string
	series *domain.ValueSeries
	err    error
}

func (l fakeLoader) Name() string { return l.name }
func (l fakeLoader) Load(context.Context, domain.LoadParams) (*domain.ValueSeries, error) {
	return l.series, l.err
}

type fakeTimes []domain.PredictionTime

func (f fakeTimes) LoadPredictionTimes(context.Context, domain.LoadParams) ([]domain.PredictionTime, error) {
	return f, nil
}

func TestIncidentCohort(t *testing.T) {
	t2d := fakeLoader{name: "t2d", series: &domain.ValueSeries{Events: []domain.Event{
		{EntityID: 2, Timestamp: day(2017, 1, 1), Value: 1},
		{EntityID: 2, Timestamp: day(2019, 1, 1), Value: 1},
	}}}
	t1d := fakeLoader{name: "t1d", series: &domain.ValueSeries{Events: []domain.Event{
		{EntityID: 3, Timestamp: day(2015, 1, 1), Value: 1},
	}}}

	c := &IncidentCohort{
		Config: domain.CohortConfig{
			MinDate:       day(2013, 1, 1),
			WashoutDays:   365,
			LookaheadDays: 365,
			DataEndDate:   day(2021, 1, 1),
		},
		PredictionTimes: fakeTimes{
			pt(1, day(2014, 1, 1)), pt(1, day(2016, 1, 1)), pt(1, day(2020, 6, 1)),
			pt(2, day(2014, 1, 1)), pt(2, day(2016, 1, 1)), pt(2, day(2018, 1, 1)),
			pt(3, day(2014, 1, 1)), pt(3, day(2016, 1, 1)),
		},
		Outcomes:   []domain.Loader{t2d},
		Exclusions: []domain.Loader{t1d},
	}
	var _ CohortDefiner = c

	bundle, err := c.FilteredPredictionTimes(context.Background())
	require.NoError(t, err)

	names := make([]string, len(bundle.Steps))
	for i, s := range bundle.Steps {
		names[i] = s.StepName
	}
	assert.Equal(t, []string{"min_date", "prevalence", "exclusion_t1d", "washout_first_visit", "lookahead_coverage"}, names)
	assert.Equal(t, []domain.PredictionTime{pt(1, day(2016, 1, 1)), pt(2, day(2016, 1, 1))}, bundle.PredictionTimes)

	outcomes, err := c.OutcomeTimestamps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []outcome.Row{{EntityID: 2, Timestamp: day(2017, 1, 1), Value: 1, Source: "t2d"}}, outcomes.Rows)
}

func TestIncidentCohort_LoaderError(t *testing.T) {
	c := &IncidentCohort{
		PredictionTimes: fakeTimes{pt(1, day(2014, 1, 1))},
		Outcomes:        []domain.Loader{fakeLoader{name: "t2d", err: errors.New("connection refused")}},
	}
	_, err := c.FilteredPredictionTimes(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestIncidentCohort_OutcomeSeries(t *testing.T) {
	t2d := fakeLoader{name: "t2d", series: &domain.ValueSeries{Name: "t2d", Events: []domain.Event{
		{EntityID: 3, Timestamp: day(2020, 3, 1), Value: 1},
		{EntityID: 3, Timestamp: day(2020, 1, 2), Value: 1},
	}}}
	stroke := fakeLoader{name: "stroke", series: &domain.ValueSeries{Name: "stroke", Events: []domain.Event{
		{EntityID: 3, Timestamp: day(2019, 5, 1), Value: 1},
	}}}
	c := &IncidentCohort{Outcomes: []domain.Loader{t2d, stroke}}

	series, err := c.OutcomeSeries(context.Background(), "any_outcome")
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, []domain.Event{{EntityID: 3, Timestamp: day(2020, 1, 2), Value: 1}}, series["t2d"].Events)
	assert.Equal(t, []domain.Event{{EntityID: 3, Timestamp: day(2019, 5, 1), Value: 1}}, series["stroke"].Events)
	assert.Equal(t, []domain.Event{{EntityID: 3, Timestamp: day(2019, 5, 1), Value: 1}}, series["any_outcome"].Events)

	_, err = c.OutcomeSeries(context.Background(), "t2d")
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, "cohort.outcome_name", vErr.Field)
}
