package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/psycop-feature-generation/internal/cohort"
	"github.com/psycop-feature-generation/internal/database"
	"github.com/psycop-feature-generation/internal/domain"
)

// maxExportLimit is the maximum number of runs exported at once.
const maxExportLimit = 100000

// sqlStore holds the queries shared by the SQLite and Postgres stores. Queries are
// written with ? placeholders and rebound for drivers that use $n.
type sqlStore struct {
	db     *sql.DB
	dollar bool
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	return database.Rebind(query)
}

func (s *sqlStore) StartRun(ctx context.Context, stage, featureSet string) (*Run, error) {
	run := &Run{
		ID:         uuid.NewString(),
		Stage:      stage,
		FeatureSet: featureSet,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pipeline_runs (id, stage, feature_set, status, error, started_at)
		VALUES (?, ?, ?, ?, '', ?)`),
		run.ID, run.Stage, run.FeatureSet, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

func (s *sqlStore) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pipeline_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`),
		string(status), msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) RecordStep(ctx context.Context, runID string, step cohort.FilterStep) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO filter_steps (run_id, step_index, step_name,
			n_prediction_times_before, n_prediction_times_after, n_ids_before, n_ids_after, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			step_name = excluded.step_name,
			n_prediction_times_before = excluded.n_prediction_times_before,
			n_prediction_times_after = excluded.n_prediction_times_after,
			n_ids_before = excluded.n_ids_before,
			n_ids_after = excluded.n_ids_after,
			recorded_at = excluded.recorded_at`),
		runID, step.StepIndex, step.StepName,
		step.NPredictionTimesBefore, step.NPredictionTimesAfter, step.NIDsBefore, step.NIDsAfter,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", step.StepIndex, err)
	}
	return nil
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var status string
	var finished sql.NullTime
	if err := sc.Scan(&run.ID, &run.Stage, &run.FeatureSet, &status, &run.Error, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

const runColumns = `id, stage, feature_set, status, error, started_at, finished_at`

func (s *sqlStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`), runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.Steps, err = s.Steps(ctx, runID); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *sqlStore) Steps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT run_id, step_index, step_name, n_prediction_times_before, n_prediction_times_after,
			n_ids_before, n_ids_after, recorded_at
		FROM filter_steps
		WHERE run_id = ?
		ORDER BY step_index`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		err := rows.Scan(&st.RunID, &st.StepIndex, &st.StepName,
			&st.NPredictionTimesBefore, &st.NPredictionTimesAfter, &st.NIDsBefore, &st.NIDsAfter,
			&st.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *sqlStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+runColumns+`
		FROM pipeline_runs
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *sqlStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	runs, err := s.ListRuns(ctx, maxExportLimit, 0)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Steps, err = s.Steps(ctx, run.ID); err != nil {
			return err
		}
	}

	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(runs),
		Runs:       runs,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
