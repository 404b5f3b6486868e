package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/cohort"
	"github.com/psycop-feature-generation/internal/database"
)

// getTestDB returns a migrated database connection for testing.
// Skip test if TEST_DATABASE_URL is not set.
func getTestDB(t *testing.T) *sql.DB {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	require.NoError(t, database.Migrate(context.Background(), dbURL, logger))

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)

	_, err = db.Exec("DELETE FROM pipeline_runs")
	require.NoError(t, err)

	return db
}

func TestPostgresStore_RunLifecycle(t *testing.T) {
	db := getTestDB(t)

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	run, err := store.StartRun(ctx, "cohort", "t2d")
	require.NoError(t, err)

	require.NoError(t, store.RecordStep(ctx, run.ID, cohort.FilterStep{StepIndex: 0, StepName: "min_date", NPredictionTimesBefore: 4, NPredictionTimesAfter: 3}))
	require.NoError(t, store.RecordStep(ctx, run.ID, cohort.FilterStep{StepIndex: 0, StepName: "min_date", NPredictionTimesBefore: 4, NPredictionTimesAfter: 2}))
	require.NoError(t, store.FinishRun(ctx, run.ID, nil))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 2, got.Steps[0].NPredictionTimesAfter)

	runs, err := store.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}
