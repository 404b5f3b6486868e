// Package outcome derives outcome timestamps: the first qualifying event per entity
// across one or more event definitions.
package outcome

import (
	"sort"
	"time"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/pkg/frame"
)

// Source is one named outcome definition, e.g. an ICD-10 code family or an HbA1c
// threshold crossing
type Source struct {
	Name   string
	Series *domain.ValueSeries
}

// Row is one outcome timestamp
type Row struct {
	EntityID  int64
	Timestamp time.Time
	Value     float64
	Source    string
}

// Frame is an outcome timestamp table. Unless it came from FirstEventPerSource it
// holds at most one row per entity.
type Frame struct {
	Rows      []Row
	PerSource bool
}

type tagged struct {
	row      Row
	priority int
}

func collect(sources []Source) []tagged {
	var all []tagged
	for i, src := range sources {
		if src.Series == nil {
			continue
		}
		name := src.Name
		if name == "" {
			name = src.Series.Name
		}
		for _, e := range src.Series.Events {
			all = append(all, tagged{
				row:      Row{EntityID: e.EntityID, Timestamp: e.Timestamp, Value: e.Value, Source: name},
				priority: i,
			})
		}
	}
	// Equal timestamps resolve by source order, then by loader row order
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].row.Timestamp.Equal(all[j].row.Timestamp) {
			return all[i].row.Timestamp.Before(all[j].row.Timestamp)
		}
		return all[i].priority < all[j].priority
	})
	return all
}

// FirstEvent concatenates the events of all sources and keeps the earliest per
// entity. Entities without events are absent from the result.
func FirstEvent(sources ...Source) *Frame {
	all := collect(sources)
	seen := make(map[int64]struct{})
	out := &Frame{}
	for _, t := range all {
		if _, ok := seen[t.row.EntityID]; ok {
			continue
		}
		seen[t.row.EntityID] = struct{}{}
		out.Rows = append(out.Rows, t.row)
	}
	return out
}

// FirstEventPerSource keeps the earliest event per (entity, source)
func FirstEventPerSource(sources ...Source) *Frame {
	type key struct {
		id     int64
		source string
	}
	all := collect(sources)
	seen := make(map[key]struct{})
	out := &Frame{PerSource: true}
	for _, t := range all {
		k := key{t.row.EntityID, t.row.Source}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, t.row)
	}
	return out
}

// Len returns the number of rows
func (f *Frame) Len() int { return len(f.Rows) }

// ByEntity maps each entity to its first outcome timestamp
func (f *Frame) ByEntity() map[int64]time.Time {
	out := make(map[int64]time.Time, len(f.Rows))
	for _, r := range f.Rows {
		if ts, ok := out[r.EntityID]; !ok || r.Timestamp.Before(ts) {
			out[r.EntityID] = r.Timestamp
		}
	}
	return out
}

// ToSeries converts the frame to a value series for an outcome feature spec
func (f *Frame) ToSeries(name string) *domain.ValueSeries {
	s := &domain.ValueSeries{Name: name, Events: make([]domain.Event, len(f.Rows))}
	for i, r := range f.Rows {
		s.Events[i] = domain.Event{EntityID: r.EntityID, Timestamp: r.Timestamp, Value: r.Value}
	}
	return s
}

// ToFrame converts the rows to a columnar frame: entity_id, timestamp, value and,
// for per-source frames, source
func (f *Frame) ToFrame() *frame.Frame {
	ids := make([]int64, len(f.Rows))
	ts := make([]time.Time, len(f.Rows))
	values := make([]float64, len(f.Rows))
	sources := make([]string, len(f.Rows))
	for i, r := range f.Rows {
		ids[i], ts[i], values[i], sources[i] = r.EntityID, r.Timestamp, r.Value, r.Source
	}
	cols := []*frame.Column{
		frame.IntColumn(domain.EntityIDCol, ids),
		frame.TimeColumn(domain.TimestampCol, ts),
		frame.FloatColumn(domain.ValueCol, values),
	}
	if f.PerSource {
		cols = append(cols, frame.StringColumn(domain.SourceCol, sources))
	}
	return frame.MustNew(cols...)
}
