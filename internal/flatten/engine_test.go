package flatten

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/features"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func floats(t *testing.T, e *Engine, pts []domain.PredictionTime, spec features.Spec) []float64 {
	t.Helper()
	out, err := e.Flatten(context.Background(), pts, []features.Spec{spec})
	require.NoError(t, err)
	col, err := out.Column(spec.ColumnName(e.Prefixes()))
	require.NoError(t, err)
	return col.Floats
}

func TestSelect_PredictorBounds(t *testing.T) {
	now := day(2020, 1, 11)
	evs := []domain.Event{
		{Timestamp: day(2020, 1, 1)},  // exactly t-10: included
		{Timestamp: day(2020, 1, 5)},  // inside
		{Timestamp: day(2020, 1, 11)}, // at t: excluded
	}

	got := Select(evs, now, features.Lookbehind(10), features.FamilyPredictor)
	require.Len(t, got, 2)
	assert.Equal(t, day(2020, 1, 5), got[1].Timestamp)

	got = Select(evs, now, features.Window{Lo: 7, Hi: 10}, features.FamilyPredictor)
	require.Len(t, got, 1)
	assert.Equal(t, day(2020, 1, 1), got[0].Timestamp)
}

func TestSelect_OutcomeBounds(t *testing.T) {
	now := day(2020, 1, 1)
	evs := []domain.Event{
		{Timestamp: day(2020, 1, 1)},  // at t: excluded
		{Timestamp: day(2020, 1, 6)},  // inside
		{Timestamp: day(2020, 1, 11)}, // exactly t+10: included
		{Timestamp: day(2020, 1, 12)}, // outside
	}

	got := Select(evs, now, features.Lookbehind(10), features.FamilyOutcome)
	require.Len(t, got, 2)
	assert.Equal(t, day(2020, 1, 11), got[1].Timestamp)
	assert.Nil(t, Select(nil, now, features.Lookbehind(10), features.FamilyOutcome))
}

func TestFlatten_FallbackIsNotZero(t *testing.T) {
	labs := &domain.ValueSeries{Name: "hba1c", Events: []domain.Event{
		{EntityID: 1, Timestamp: day(2019, 12, 1), Value: 0},
	}}
	pts := []domain.PredictionTime{
		{EntityID: 1, Timestamp: day(2020, 1, 1)},
		{EntityID: 2, Timestamp: day(2020, 1, 1)},
	}
	e := NewEngine(WithWorkers(2))

	mean, err := features.NewPredictorSpec("hba1c", labs, features.Lookbehind(365), features.Mean, features.NaN())
	require.NoError(t, err)
	got := floats(t, e, pts, mean)
	assert.Equal(t, 0.0, got[0], "true zero must survive")
	assert.True(t, math.IsNaN(got[1]), "empty window must use the NaN fallback")

	count, err := features.NewPredictorSpec("hba1c", labs, features.Lookbehind(365), features.Count, features.Num(-1))
	require.NoError(t, err)
	got = floats(t, e, pts, count)
	assert.Equal(t, []float64{1, -1}, got)
}

func TestFlatten_StaticTimeDeltaAndText(t *testing.T) {
	pts := []domain.PredictionTime{
		{EntityID: 1, Timestamp: day(2020, 1, 1)},
		{EntityID: 2, Timestamp: day(2020, 1, 1)},
	}
	sex, err := features.NewStaticSpec("sex_is_female", []domain.StaticValue{{EntityID: 1, Value: 1}}, features.NaN())
	require.NoError(t, err)
	births := &domain.ValueSeries{Name: "birthdays", Events: []domain.Event{
		{EntityID: 1, Timestamp: day(2019, 12, 22)},
	}}
	age, err := features.NewTimeDeltaSpec("age", births, features.Days, features.Num(-1))
	require.NoError(t, err)
	notes := &domain.ValueSeries{Name: "notes", Events: []domain.Event{
		{EntityID: 2, Timestamp: day(2019, 12, 30), Text: "first"},
		{EntityID: 2, Timestamp: day(2019, 12, 31), Text: "second"},
	}}
	text, err := features.NewPredictorSpec("notes", notes, features.Lookbehind(7), features.Concatenate, features.Text("none"))
	require.NoError(t, err)

	e := NewEngine()
	out, err := e.Flatten(context.Background(), pts, []features.Spec{sex, age, text})
	require.NoError(t, err)

	assert.Equal(t, []string{
		domain.EntityIDCol, domain.TimestampCol, domain.PredictionTimeUUIDCol,
		"pred_sex_is_female_fallback_nan",
		"pred_age_in_days_fallback_-1",
		"pred_notes_within_0_to_7_days_concatenate_fallback_none",
	}, out.Names())

	sexCol, _ := out.Column("pred_sex_is_female_fallback_nan")
	assert.Equal(t, 1.0, sexCol.Floats[0])
	assert.True(t, math.IsNaN(sexCol.Floats[1]))

	ageCol, _ := out.Column("pred_age_in_days_fallback_-1")
	assert.InDelta(t, 10.0, ageCol.Floats[0], 1e-9)
	assert.Equal(t, -1.0, ageCol.Floats[1])

	textCol, _ := out.Column("pred_notes_within_0_to_7_days_concatenate_fallback_none")
	assert.Equal(t, []string{"none", "first second"}, textCol.Strings)
}

func TestFlatten_PreservesInputOrderAndIDs(t *testing.T) {
	pts := []domain.PredictionTime{
		{EntityID: 3, Timestamp: day(2021, 1, 1)},
		{EntityID: 1, Timestamp: day(2020, 1, 1)},
		{EntityID: 2, Timestamp: day(2022, 1, 1)},
	}
	out, err := NewEngine().Flatten(context.Background(), pts, nil)
	require.NoError(t, err)

	ids, _ := out.Column(domain.EntityIDCol)
	assert.Equal(t, []int64{3, 1, 2}, ids.Ints)
	uuids, _ := out.Column(domain.PredictionTimeUUIDCol)
	assert.Equal(t, pts[1].UUID(), uuids.Strings[1])
}

func TestFlatten_DuplicateColumnsRejected(t *testing.T) {
	s := &domain.ValueSeries{Name: "x"}
	spec, err := features.NewPredictorSpec("x", s, features.Lookbehind(1), features.Count, features.Num(0))
	require.NoError(t, err)

	_, err = NewEngine().Flatten(context.Background(), nil, []features.Spec{spec, spec})
	assert.Error(t, err)
}

func TestFlatten_CancelledContext(t *testing.T) {
	s := &domain.ValueSeries{Name: "x"}
	spec, err := features.NewPredictorSpec("x", s, features.Lookbehind(1), features.Count, features.Num(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine().Flatten(ctx, []domain.PredictionTime{{EntityID: 1}}, []features.Spec{spec})
	assert.ErrorIs(t, err, context.Canceled)
}
