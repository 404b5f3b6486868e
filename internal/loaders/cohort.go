package loaders

import (
	"context"
	"fmt"
	"sort"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// PredictionTimes turns the events of a loader into candidate prediction times,
// one per distinct (entity, timestamp)
type PredictionTimes struct {
	Loader domain.Loader
}

var _ domain.PredictionTimesLoader = PredictionTimes{}

// LoadPredictionTimes implements domain.PredictionTimesLoader
func (p PredictionTimes) LoadPredictionTimes(ctx context.Context, params domain.LoadParams) ([]domain.PredictionTime, error) {
	series, err := p.Loader.Load(ctx, params)
	if err != nil {
		return nil, err
	}
	type key struct {
		id int64
		ts int64
	}
	seen := make(map[key]bool, len(series.Events))
	pts := make([]domain.PredictionTime, 0, len(series.Events))
	for _, e := range series.Events {
		k := key{e.EntityID, e.Timestamp.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		pts = append(pts, domain.PredictionTime{EntityID: e.EntityID, Timestamp: e.Timestamp})
	}
	sort.SliceStable(pts, func(i, j int) bool {
		if pts[i].EntityID != pts[j].EntityID {
			return pts[i].EntityID < pts[j].EntityID
		}
		return pts[i].Timestamp.Before(pts[j].Timestamp)
	})
	return pts, nil
}

// SplitIDs reads the precomputed entity ids of each split
type SplitIDs struct {
	schema string
	q      warehouse.Querier
}

var _ domain.SplitIDsLoader = (*SplitIDs)(nil)

// NewSplitIDs creates the split id loader
func NewSplitIDs(q warehouse.Querier, schema string) *SplitIDs {
	return &SplitIDs{schema: schema, q: q}
}

// LoadSplitIDs implements domain.SplitIDsLoader
func (l *SplitIDs) LoadSplitIDs(ctx context.Context, split string) ([]int64, error) {
	table, err := qualify(l.schema, "splits")
	if err != nil {
		return nil, err
	}
	var ids []int64
	err = l.q.Query(ctx, "SELECT DISTINCT entity_id FROM "+table+" WHERE split = ? ORDER BY entity_id",
		[]interface{}{split}, func(s warehouse.Scanner) error {
			var id int64
			if err := s.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("loading %s ids: %w", split, err)
	}
	return ids, nil
}
