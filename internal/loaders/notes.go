package loaders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// Years covered by the notes tables
const (
	NotesFirstYear = 2011
	NotesLastYear  = 2021
)

// NotesLoader returns free-text clinical notes as text events. The notes table is
// queried one calendar year at a time, all years concurrently.
type NotesLoader struct {
	name      string
	noteTypes []string
	schema    string
	q         warehouse.Querier
}

var _ domain.Loader = (*NotesLoader)(nil)

// Notes creates a notes loader restricted to the given note types; none means all
func Notes(q warehouse.Querier, schema, name string, noteTypes ...string) *NotesLoader {
	return &NotesLoader{name: name, noteTypes: noteTypes, schema: schema, q: q}
}

// Name implements domain.Loader
func (l *NotesLoader) Name() string { return l.name }

func (l *NotesLoader) yearQuery(year int) (string, []interface{}, error) {
	table, err := qualify(l.schema, "notes")
	if err != nil {
		return "", nil, err
	}
	query := "SELECT entity_id, written_at, text FROM " + table + " WHERE written_at >= ? AND written_at < ?"
	args := []interface{}{
		time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if len(l.noteTypes) > 0 {
		query += " AND note_type IN (?" + strings.Repeat(", ?", len(l.noteTypes)-1) + ")"
		for _, t := range l.noteTypes {
			args = append(args, t)
		}
	}
	return query + " ORDER BY entity_id, written_at", args, nil
}

// Load implements domain.Loader. Rows are returned in year order; the row limit is
// applied after the years are combined.
func (l *NotesLoader) Load(ctx context.Context, params domain.LoadParams) (*domain.ValueSeries, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	perYear := make([][]domain.Event, NotesLastYear-NotesFirstYear+1)
	g, gctx := errgroup.WithContext(ctx)
	for year := NotesFirstYear; year <= NotesLastYear; year++ {
		year := year
		g.Go(func() error {
			query, args, err := l.yearQuery(year)
			if err != nil {
				return err
			}
			var events []domain.Event
			err = l.q.Query(gctx, query, args, func(s warehouse.Scanner) error {
				e := domain.Event{Value: 1}
				if err := s.Scan(&e.EntityID, &e.Timestamp, &e.Text); err != nil {
					return err
				}
				events = append(events, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("loading %s for %d: %w", l.name, year, err)
			}
			perYear[year-NotesFirstYear] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	series := &domain.ValueSeries{Name: l.name}
	for _, events := range perYear {
		series.Events = append(series.Events, events...)
	}
	series.Dedup()
	if params.RowLimit > 0 && len(series.Events) > params.RowLimit {
		series.Events = series.Events[:params.RowLimit]
	}
	return series, nil
}
