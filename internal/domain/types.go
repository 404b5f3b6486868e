// Package domain contains the core entities shared by the feature generation pipeline:
// prediction times, raw value series, outcome timestamps and project configuration.
//
// A prediction time is a (entity, timestamp) pair at which a model would be asked for
// a prediction. Value series are the three-column tables returned by the raw loaders.
package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Standard column names used across flattened datasets
const (
	EntityIDCol           = "entity_id"
	TimestampCol          = "timestamp"
	PredictionTimeUUIDCol = "prediction_time_uuid"
	ValueCol              = "value"
	SourceCol             = "source"
)

// TimestampPurpose selects which timestamp a loader reports for an event.
// Predictors use the time the information became available, outcomes the time the
// event started.
type TimestampPurpose string

const (
	PurposePredictor TimestampPurpose = "predictor"
	PurposeOutcome   TimestampPurpose = "outcome"
)

// Validate reports whether the purpose is one of the known values
func (p TimestampPurpose) Validate() error {
	switch p {
	case PurposePredictor, PurposeOutcome:
		return nil
	}
	return NewValidationError("timestamp_purpose", "must be one of predictor, outcome", string(p))
}

// PredictionTime is a candidate point at which a prediction would be made
type PredictionTime struct {
	EntityID  int64     `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UUID returns the deterministic identifier of the prediction time
func (p PredictionTime) UUID() string {
	return PredictionTimeUUID(p.EntityID, p.Timestamp)
}

// predictionTimeNamespace scopes the name-based UUIDs of prediction times
var predictionTimeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("psycop-feature-generation/prediction-time"))

// PredictionTimeUUID derives a stable UUID from an entity id and a timestamp.
// The same pair always yields the same identifier across runs and chunks.
func PredictionTimeUUID(entityID int64, ts time.Time) string {
	name := strconv.FormatInt(entityID, 10) + "-" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(predictionTimeNamespace, []byte(name)).String()
}

// CountIDs returns the number of distinct entities among the prediction times
func CountIDs(pts []PredictionTime) int {
	seen := make(map[int64]struct{}, len(pts))
	for _, p := range pts {
		seen[p.EntityID] = struct{}{}
	}
	return len(seen)
}

// Event is one row of a raw value series
type Event struct {
	EntityID  int64     `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Text      string    `json:"text,omitempty"`
}

// ValueSeries is the output of a raw loader: a named table of events
type ValueSeries struct {
	Name   string  `json:"name"`
	Events []Event `json:"events"`
}

// Dedup removes rows duplicated on (entity_id, timestamp, value, text), keeping the first
// occurrence, and returns the series for chaining.
func (s *ValueSeries) Dedup() *ValueSeries {
	type key struct {
		id   int64
		ts   int64
		val  uint64
		text string
	}
	seen := make(map[key]struct{}, len(s.Events))
	out := s.Events[:0]
	for _, e := range s.Events {
		k := key{e.EntityID, e.Timestamp.UnixNano(), ValueKey(e.Value), e.Text}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	s.Events = out
	return s
}

// ValueKey maps a value to a comparable key under which every NaN is equal and
// -0 equals 0
func ValueKey(v float64) uint64 {
	switch {
	case math.IsNaN(v):
		return canonicalNaN
	case v == 0:
		return 0
	}
	return math.Float64bits(v)
}

var canonicalNaN = math.Float64bits(math.NaN())

// ByEntity groups the events per entity, each group sorted ascending by timestamp
func (s *ValueSeries) ByEntity() map[int64][]Event {
	groups := make(map[int64][]Event)
	for _, e := range s.Events {
		groups[e.EntityID] = append(groups[e.EntityID], e)
	}
	for id := range groups {
		g := groups[id]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Timestamp.Before(g[j].Timestamp) })
	}
	return groups
}

// StaticValue is a non-temporal per-entity value, such as sex
type StaticValue struct {
	EntityID int64   `json:"entity_id"`
	Value    float64 `json:"value"`
}

// Prefixes are the column name prefixes of each column family
type Prefixes struct {
	Predictor string `mapstructure:"predictor"`
	Outcome   string `mapstructure:"outcome"`
	Eval      string `mapstructure:"eval"`
}

// ProjectInfo is the immutable description of a project. It is used only for paths and
// column naming.
type ProjectInfo struct {
	Name        string   `mapstructure:"name"`
	ProjectPath string   `mapstructure:"project_path"`
	Prefixes    Prefixes `mapstructure:"prefixes"`
}

// DefaultPrefixes returns the column prefixes used unless a project overrides them
func DefaultPrefixes() Prefixes {
	return Prefixes{Predictor: "pred", Outcome: "outc", Eval: "eval"}
}

// FlattenedDatasetsDir returns the directory holding the flattened datasets of a feature set
func (p ProjectInfo) FlattenedDatasetsDir(featureSet string) string {
	return fmt.Sprintf("%s/flattened_datasets/%s", p.ProjectPath, featureSet)
}

// Common sentinel errors
var (
	ErrNotFound        = errors.New("not found")
	ErrMissingColumn   = errors.New("missing column")
	ErrChunkMisaligned = errors.New("chunk identifier columns are misaligned")
	ErrRunLocked       = errors.New("output directory is locked by another run")
	// ErrWarehouseUnavailable is returned while the warehouse circuit breaker is open
	ErrWarehouseUnavailable = errors.New("warehouse unavailable")
)
