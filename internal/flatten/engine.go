// Package flatten joins prediction times against value series and reduces every
// lookbehind or lookahead window to one value per prediction time.
package flatten

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/features"
	"github.com/psycop-feature-generation/pkg/frame"
)

const daysPerYear = 365.25

// Engine computes one feature column per spec with a bounded worker pool
type Engine struct {
	prefixes domain.Prefixes
	workers  int
	logger   *logrus.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithWorkers bounds the number of specs computed concurrently
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPrefixes overrides the column prefixes
func WithPrefixes(p domain.Prefixes) Option {
	return func(e *Engine) { e.prefixes = p }
}

// WithLogger sets the logger
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine using all CPUs and the default prefixes unless overridden
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		prefixes: domain.DefaultPrefixes(),
		workers:  runtime.NumCPU(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workers returns the configured pool size
func (e *Engine) Workers() int { return e.workers }

// Prefixes returns the column prefixes used for naming
func (e *Engine) Prefixes() domain.Prefixes { return e.prefixes }

// Flatten returns a frame with one row per prediction time, in input order. The
// identifier columns entity_id, timestamp and prediction_time_uuid come first,
// followed by one column per spec in spec order.
func (e *Engine) Flatten(ctx context.Context, pts []domain.PredictionTime, specs []features.Spec) (*frame.Frame, error) {
	if err := features.CheckUniqueColumns(specs, e.prefixes); err != nil {
		return nil, err
	}

	start := time.Now()
	idx := newSeriesIndex()
	columns := make([]*frame.Column, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, spec := range specs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			col, err := e.column(gctx, idx, pts, spec)
			if err != nil {
				return fmt.Errorf("flattening %s: %w", spec.ColumnName(e.prefixes), err)
			}
			columns[i] = col
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := frame.New(append(IdentifierColumns(pts), columns...)...)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"prediction_times": len(pts),
		"specs":            len(specs),
		"workers":          e.workers,
		"duration_ms":      time.Since(start).Milliseconds(),
	}).Debug("Flattened feature specs")

	return out, nil
}

// IdentifierColumns builds the entity_id, timestamp and prediction_time_uuid columns
func IdentifierColumns(pts []domain.PredictionTime) []*frame.Column {
	ids := make([]int64, len(pts))
	ts := make([]time.Time, len(pts))
	uuids := make([]string, len(pts))
	for i, p := range pts {
		ids[i] = p.EntityID
		ts[i] = p.Timestamp
		uuids[i] = p.UUID()
	}
	return []*frame.Column{
		frame.IntColumn(domain.EntityIDCol, ids),
		frame.TimeColumn(domain.TimestampCol, ts),
		frame.StringColumn(domain.PredictionTimeUUIDCol, uuids),
	}
}

func (e *Engine) column(ctx context.Context, idx *seriesIndex, pts []domain.PredictionTime, spec features.Spec) (*frame.Column, error) {
	name := spec.ColumnName(e.prefixes)
	switch s := spec.(type) {
	case *features.TemporalSpec:
		return temporalColumn(ctx, name, idx.get(s.Series), pts, s)
	case *features.StaticSpec:
		return staticColumn(name, pts, s), nil
	case *features.TimeDeltaSpec:
		return timeDeltaColumn(name, idx.get(s.Anchors), pts, s), nil
	}
	return nil, domain.NewValidationError("spec", "unsupported spec type", fmt.Sprintf("%T", spec))
}

func temporalColumn(ctx context.Context, name string, byEntity map[int64][]domain.Event, pts []domain.PredictionTime, s *features.TemporalSpec) (*frame.Column, error) {
	text := s.Aggregator == features.Concatenate
	var (
		nums  []float64
		texts []string
	)
	if text {
		texts = make([]string, len(pts))
	} else {
		nums = make([]float64, len(pts))
	}

	for i, p := range pts {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		window := Select(byEntity[p.EntityID], p.Timestamp, s.Window, s.Family())
		if text {
			v, ok := s.Aggregator.ReduceText(window)
			if !ok {
				v = s.Fallback.TextValue()
			}
			texts[i] = v
			continue
		}
		v, ok := s.Aggregator.Reduce(window)
		if !ok {
			v = s.Fallback.Float()
		}
		nums[i] = v
	}

	if text {
		return frame.StringColumn(name, texts), nil
	}
	return frame.FloatColumn(name, nums), nil
}

// Select returns the events of one entity (sorted ascending) that fall inside the
// window relative to t. Predictor windows look back: t-hi <= ts < t-lo.
// Outcome windows look ahead: t+lo < ts <= t+hi.
func Select(events []domain.Event, t time.Time, w features.Window, family features.Family) []domain.Event {
	if len(events) == 0 {
		return nil
	}
	var from, to int
	if family == features.FamilyOutcome {
		lower, upper := t.Add(days(w.Lo)), t.Add(days(w.Hi))
		from = sort.Search(len(events), func(i int) bool { return events[i].Timestamp.After(lower) })
		to = sort.Search(len(events), func(i int) bool { return events[i].Timestamp.After(upper) })
	} else {
		lower, upper := t.Add(-days(w.Hi)), t.Add(-days(w.Lo))
		from = sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(lower) })
		to = sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(upper) })
	}
	if from >= to {
		return nil
	}
	return events[from:to]
}

func days(d float64) time.Duration {
	return time.Duration(d * 24 * float64(time.Hour))
}

func staticColumn(name string, pts []domain.PredictionTime, s *features.StaticSpec) *frame.Column {
	values := make(map[int64]float64, len(s.Values))
	for _, v := range s.Values {
		if _, seen := values[v.EntityID]; !seen {
			values[v.EntityID] = v.Value
		}
	}
	out := make([]float64, len(pts))
	for i, p := range pts {
		v, ok := values[p.EntityID]
		if !ok {
			v = s.Fallback.Float()
		}
		out[i] = v
	}
	return frame.FloatColumn(name, out)
}

func timeDeltaColumn(name string, byEntity map[int64][]domain.Event, pts []domain.PredictionTime, s *features.TimeDeltaSpec) *frame.Column {
	out := make([]float64, len(pts))
	for i, p := range pts {
		anchors := byEntity[p.EntityID]
		if len(anchors) == 0 {
			out[i] = s.Fallback.Float()
			continue
		}
		delta := p.Timestamp.Sub(anchors[0].Timestamp).Hours() / 24
		if s.Unit == features.Years {
			delta /= daysPerYear
		}
		out[i] = delta
	}
	return frame.FloatColumn(name, out)
}

// seriesIndex groups each series by entity once, however many specs share it
type seriesIndex struct {
	mu      sync.Mutex
	entries map[*domain.ValueSeries]*indexEntry
}

type indexEntry struct {
	once     sync.Once
	byEntity map[int64][]domain.Event
}

func newSeriesIndex() *seriesIndex {
	return &seriesIndex{entries: make(map[*domain.ValueSeries]*indexEntry)}
}

func (si *seriesIndex) get(s *domain.ValueSeries) map[int64][]domain.Event {
	si.mu.Lock()
	entry, ok := si.entries[s]
	if !ok {
		entry = &indexEntry{}
		si.entries[s] = entry
	}
	si.mu.Unlock()

	entry.once.Do(func() { entry.byEntity = s.ByEntity() })
	return entry.byEntity
}
