package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/audit"
	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/loaders"
	"github.com/psycop-feature-generation/internal/storage"
)

const testLayers = `
version: 1
layers:
  - name: layer_1
    predictors:
      - loaders: [hba1c]
        lookbehind_days: [365]
        aggregators: [mean]
        fallbacks: [nan]
outcomes:
  - loaders: [t2d]
    lookahead_days: [365]
    aggregators: [bool]
    fallbacks: ["0"]
`

const (
	hba1cCol = "pred_hba1c_within_0_to_365_days_mean_fallback_nan"
	t2dCol   = "outc_t2d_within_0_to_365_days_bool_fallback_0"
)

type fixedLoader struct {
	name   string
	events []domain.Event
}

func (f fixedLoader) Name() string { return f.name }

func (f fixedLoader) Load(context.Context, domain.LoadParams) (*domain.ValueSeries, error) {
	return &domain.ValueSeries{Name: f.name, Events: f.events}, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// Entity 2 is too young; entity 3's second visit falls after its first t2d diagnosis.
func testRegistry() *loaders.Registry {
	r := loaders.NewRegistry(nil)
	r.Register(
		fixedLoader{name: "physical_visits", events: []domain.Event{
			{EntityID: 1, Timestamp: day(2020, 1, 2), Value: 1},
			{EntityID: 2, Timestamp: day(2020, 1, 2), Value: 1},
			{EntityID: 3, Timestamp: day(2020, 1, 2), Value: 1},
			{EntityID: 3, Timestamp: day(2021, 6, 1), Value: 1},
		}},
		fixedLoader{name: "birthdays", events: []domain.Event{
			{EntityID: 1, Timestamp: day(1980, 5, 1)},
			{EntityID: 2, Timestamp: day(2010, 5, 1)},
			{EntityID: 3, Timestamp: day(1970, 5, 1)},
		}},
		fixedLoader{name: "moves_from_region"},
		fixedLoader{name: "t2d", events: []domain.Event{{EntityID: 3, Timestamp: day(2020, 6, 1), Value: 1}}},
		fixedLoader{name: "hba1c", events: []domain.Event{{EntityID: 1, Timestamp: day(2019, 12, 1), Value: 40}}},
	)
	return r
}

func testConfig(t *testing.T) *domain.Config {
	t.Helper()
	projectPath := t.TempDir()
	layers := filepath.Join(projectPath, "layers.yaml")
	require.NoError(t, os.WriteFile(layers, []byte(testLayers), 0o644))

	return &domain.Config{
		Project: domain.ProjectInfo{Name: "t2d", ProjectPath: projectPath, Prefixes: domain.DefaultPrefixes()},
		Cohort: domain.CohortConfig{
			MinDate:               day(2013, 1, 1),
			MinAge:                18,
			MaxAge:                99,
			QuarantineDays:        730,
			OutcomeLoaders:        []string{"t2d"},
			QuarantineLoader:      "moves_from_region",
			PredictionTimesLoader: "physical_visits",
			BirthdaysLoader:       "birthdays",
		},
		Generation: domain.GenerationConfig{
			FeatureSetName: "t2d_layer_1",
			LayersFile:     layers,
			ChunkSize:      1,
			NWorkers:       2,
		},
	}
}

func TestRun_Unsplit(t *testing.T) {
	cfg := testConfig(t)
	p := &Pipeline{Config: cfg, Registry: testRegistry(), Logger: quietLogger()}

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PredictionTimes)
	assert.Equal(t, 2, summary.Specs)
	assert.Equal(t, 2, summary.Rows)

	var names []string
	for _, s := range summary.Steps {
		names = append(names, s.StepName)
	}
	assert.Equal(t, []string{"min_date", "add_age", "age", "quarantine", "prevalence"}, names)

	path := filepath.Join(cfg.Project.FlattenedDatasetsDir("t2d_layer_1"), UnsplitFileName)
	require.Equal(t, []string{path}, summary.Files)

	df, err := storage.ReadFrame(path)
	require.NoError(t, err)
	ids, err := df.Column(domain.EntityIDCol)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids.Ints)

	hba1c, err := df.Column(hba1cCol)
	require.NoError(t, err)
	assert.Equal(t, 40.0, hba1c.Floats[0])
	assert.True(t, math.IsNaN(hba1c.Floats[1]))

	t2d, err := df.Column(t2dCol)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, t2d.Floats)
}

func TestRun_SplitsAndAudit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Splits = []string{"train", "test"}
	cfg.Generation.SplitIDsDir = "splits"

	splitDir := filepath.Join(cfg.Project.ProjectPath, "splits")
	require.NoError(t, os.MkdirAll(splitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(splitDir, "train_ids.csv"), []byte("entity_id\n1\n2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(splitDir, "test_ids.csv"), []byte("entity_id\n3\n"), 0o644))

	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	p := &Pipeline{Config: cfg, Registry: testRegistry(), Audit: store, Logger: quietLogger()}
	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Splits, 2)
	assert.Equal(t, 1, summary.Splits[0].Frame.NumRows())
	assert.Equal(t, 1, summary.Splits[0].NIDsMissing, "entity 2 was filtered out of the cohort")
	assert.Equal(t, 1, summary.Splits[1].Frame.NumRows())

	for _, f := range summary.Files {
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}

	run, err := store.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSucceeded, run.Status)
	assert.Equal(t, "t2d_layer_1", run.FeatureSet)
	require.Len(t, run.Steps, len(summary.Steps))
	for i, s := range run.Steps {
		assert.Equal(t, summary.Steps[i], s.FilterStep)
	}
}

func TestRun_FailureIsAudited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cohort.OutcomeLoaders = []string{"unknown_outcome"}

	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	p := &Pipeline{Config: cfg, Registry: testRegistry(), Audit: store, Logger: quietLogger()}
	_, err = p.Run(context.Background())
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, "cohort.outcome_loaders", vErr.Field)

	runs, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, audit.StatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRun_MissingSplitIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Splits = []string{"train"}

	p := &Pipeline{Config: cfg, Registry: testRegistry(), Logger: quietLogger()}
	_, err := p.Run(context.Background())
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func TestRun_OutcomeLabelsUseFirstEvent(t *testing.T) {
	cfg := testConfig(t)
	r := testRegistry()
	// Entity 3 is first diagnosed on the day of its prediction time and again two months
	// later. Only the first diagnosis counts, and it is not after the prediction time.
	r.Register(fixedLoader{name: "t2d", events: []domain.Event{
		{EntityID: 3, Timestamp: day(2020, 1, 2), Value: 1},
		{EntityID: 3, Timestamp: day(2020, 3, 1), Value: 1},
	}})

	p := &Pipeline{Config: cfg, Registry: r, Logger: quietLogger()}
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	df, err := storage.ReadFrame(summary.Files[0])
	require.NoError(t, err)
	ids, err := df.Column(domain.EntityIDCol)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids.Ints)
	labels, err := df.Column(t2dCol)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, labels.Floats)
}

func TestRun_OutcomeMustBeCohortOutcome(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cohort.OutcomeLoaders = []string{"hba1c"}

	p := &Pipeline{Config: cfg, Registry: testRegistry(), Logger: quietLogger()}
	_, err := p.Run(context.Background())
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, "outcomes", vErr.Field)
	assert.Equal(t, "t2d", vErr.Value)
}

func TestRun_MergedOutcomeLabel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cohort.OutcomeLoaders = []string{"t2d", "stroke"}
	cfg.Cohort.OutcomeName = "t2d_or_stroke"
	require.NoError(t, os.WriteFile(cfg.Generation.LayersFile, []byte(`
version: 1
layers:
  - name: layer_1
    predictors:
      - loaders: [hba1c]
        lookbehind_days: [365]
        aggregators: [mean]
        fallbacks: [nan]
outcomes:
  - loaders: [t2d_or_stroke]
    lookahead_days: [365]
    aggregators: [bool]
    fallbacks: ["0"]
`), 0o644))

	r := testRegistry()
	r.Register(fixedLoader{name: "stroke", events: []domain.Event{{EntityID: 1, Timestamp: day(2020, 2, 1), Value: 1}}})

	p := &Pipeline{Config: cfg, Registry: r, Logger: quietLogger()}
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	df, err := storage.ReadFrame(summary.Files[0])
	require.NoError(t, err)
	labels, err := df.Column("outc_t2d_or_stroke_within_0_to_365_days_bool_fallback_0")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, labels.Floats)
}
