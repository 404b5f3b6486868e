// Package audit persists pipeline runs and the filter steps recorded while building a
// cohort, so the attrition of every run can be inspected after the fact.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/psycop-feature-generation/internal/cohort"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one invocation of a pipeline stage
type Run struct {
	ID         string     `json:"id"`
	Stage      string     `json:"stage"`
	FeatureSet string     `json:"feature_set,omitempty"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Steps      []Step     `json:"steps,omitempty"`
}

// Step is a filter step recorded for a run
type Step struct {
	RunID string `json:"run_id"`
	cohort.FilterStep
	RecordedAt time.Time `json:"recorded_at"`
}

// Export is the JSON document written by ExportJSON
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Runs       []*Run    `json:"runs"`
}

// Store defines the interface for audit storage operations.
type Store interface {
	// StartRun records a new run in the running state.
	StartRun(ctx context.Context, stage, featureSet string) (*Run, error)

	// FinishRun marks a run succeeded, or failed with runErr's message.
	FinishRun(ctx context.Context, runID string, runErr error) error

	// RecordStep stores a filter step. Recording the same step index twice replaces it.
	RecordStep(ctx context.Context, runID string, step cohort.FilterStep) error

	// GetRun returns a run with its steps, or domain.ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// Steps returns the steps of a run ordered by step index.
	Steps(ctx context.Context, runID string) ([]Step, error)

	// ListRuns returns runs, newest first, without their steps.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// ExportJSON writes every run and its steps as JSON.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close releases the underlying connection.
	Close() error
}
