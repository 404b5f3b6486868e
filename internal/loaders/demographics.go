package loaders

import (
	"context"
	"fmt"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// BirthdaysLoader returns one event per entity at its date of birth
type BirthdaysLoader struct {
	schema string
	q      warehouse.Querier
}

var _ domain.Loader = (*BirthdaysLoader)(nil)

// Birthdays creates the birthdays loader
func Birthdays(q warehouse.Querier, schema string) *BirthdaysLoader {
	return &BirthdaysLoader{schema: schema, q: q}
}

// Name implements domain.Loader
func (l *BirthdaysLoader) Name() string { return "birthdays" }

// Load implements domain.Loader. The purpose is irrelevant for birthdays.
func (l *BirthdaysLoader) Load(ctx context.Context, params domain.LoadParams) (*domain.ValueSeries, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	table, err := qualify(l.schema, "demographics")
	if err != nil {
		return nil, err
	}
	query := "SELECT entity_id, birthday FROM " + table + " WHERE birthday IS NOT NULL ORDER BY entity_id"
	var args []interface{}
	if params.RowLimit > 0 {
		query += " LIMIT ?"
		args = append(args, params.RowLimit)
	}

	series := &domain.ValueSeries{Name: l.Name()}
	err = l.q.Query(ctx, query, args, func(s warehouse.Scanner) error {
		e := domain.Event{Value: 1}
		if err := s.Scan(&e.EntityID, &e.Timestamp); err != nil {
			return err
		}
		series.Events = append(series.Events, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading birthdays: %w", err)
	}
	return series.Dedup(), nil
}

// SexLoader returns 1 for entities registered as female and 0 otherwise
type SexLoader struct {
	schema string
	q      warehouse.Querier
}

var _ domain.StaticLoader = (*SexLoader)(nil)

// SexFemale creates the static sex loader
func SexFemale(q warehouse.Querier, schema string) *SexLoader {
	return &SexLoader{schema: schema, q: q}
}

// Name implements domain.StaticLoader
func (l *SexLoader) Name() string { return "sex_female" }

// LoadStatic implements domain.StaticLoader
func (l *SexLoader) LoadStatic(ctx context.Context) ([]domain.StaticValue, error) {
	table, err := qualify(l.schema, "demographics")
	if err != nil {
		return nil, err
	}
	query := "SELECT entity_id, CASE WHEN sex = 'F' THEN 1.0 ELSE 0.0 END FROM " + table +
		" WHERE sex IS NOT NULL ORDER BY entity_id"

	var values []domain.StaticValue
	seen := make(map[int64]bool)
	err = l.q.Query(ctx, query, nil, func(s warehouse.Scanner) error {
		var v domain.StaticValue
		if err := s.Scan(&v.EntityID, &v.Value); err != nil {
			return err
		}
		if !seen[v.EntityID] {
			seen[v.EntityID] = true
			values = append(values, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading sex: %w", err)
	}
	return values, nil
}
