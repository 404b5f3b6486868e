// Package splitter partitions a flattened dataset into train/val/test splits by
// precomputed entity ids and writes each split as <split>.parquet.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/storage"
	"github.com/psycop-feature-generation/pkg/frame"
)

// IDs is the entity id list of one split
type IDs struct {
	Name string
	IDs  []int64
}

// Result is one split of the dataset
type Result struct {
	Name  string
	Frame *frame.Frame
	// NIDs is the number of distinct ids in the split list
	NIDs int
	// NIDsMissing counts split ids with no row in the dataset
	NIDsMissing int
}

// PctMissing is the share of split ids absent from the dataset, in percent
func (r Result) PctMissing() float64 {
	if r.NIDs == 0 {
		return 0
	}
	return 100 * float64(r.NIDsMissing) / float64(r.NIDs)
}

// Split inner-joins the dataset with each split's ids. Split ids absent from the
// dataset and dataset rows that fall in no split are logged as warnings, never
// treated as errors.
func Split(df *frame.Frame, splits []IDs, logger *logrus.Logger) ([]Result, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	idCol, err := df.Column(domain.EntityIDCol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingColumn, domain.EntityIDCol)
	}
	if idCol.Kind != frame.Int {
		return nil, fmt.Errorf("%s must be an integer column, got %s", domain.EntityIDCol, idCol.Kind)
	}

	present := make(map[int64]bool)
	for _, id := range idCol.Ints {
		present[id] = true
	}

	owner := make(map[int64]string)
	assigned := make([]bool, df.NumRows())
	results := make([]Result, 0, len(splits))

	for _, s := range splits {
		members := make(map[int64]bool, len(s.IDs))
		for _, id := range s.IDs {
			members[id] = true
		}

		missing := 0
		for id := range members {
			if !present[id] {
				missing++
			}
			if prev, ok := owner[id]; ok {
				logger.WithFields(logrus.Fields{
					"entity_id": id,
					"splits":    []string{prev, s.Name},
				}).Warn("Entity appears in more than one split")
			} else {
				owner[id] = s.Name
			}
		}

		var idx []int
		for i, id := range idCol.Ints {
			if members[id] {
				idx = append(idx, i)
				assigned[i] = true
			}
		}

		res := Result{Name: s.Name, Frame: df.Take(idx), NIDs: len(members), NIDsMissing: missing}
		fields := logrus.Fields{
			"split":       s.Name,
			"rows":        res.Frame.NumRows(),
			"ids":         res.NIDs,
			"ids_missing": res.NIDsMissing,
			"pct_missing": fmt.Sprintf("%.1f", res.PctMissing()),
		}
		if missing > 0 {
			logger.WithFields(fields).Warn("Split ids missing from the flattened dataset")
		} else {
			logger.WithFields(fields).Info("Built split")
		}
		results = append(results, res)
	}

	dropped := 0
	for _, a := range assigned {
		if !a {
			dropped++
		}
	}
	if dropped > 0 {
		logger.WithFields(logrus.Fields{
			"rows_dropped": dropped,
			"pct_dropped":  fmt.Sprintf("%.1f", 100*float64(dropped)/float64(df.NumRows())),
		}).Warn("Flattened rows belong to no split and were dropped")
	}
	return results, nil
}

// Path returns the file a split is written to
func Path(dir, split string) string {
	return filepath.Join(dir, split+".parquet")
}

// Write persists every split to dir
func Write(dir string, results []Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating split directory: %w", err)
	}
	for _, r := range results {
		if err := storage.WriteFrame(Path(dir, r.Name), r.Frame); err != nil {
			return fmt.Errorf("writing split %s: %w", r.Name, err)
		}
	}
	return nil
}

// LoadIDs collects the ids of each named split. Files named <split>_ids.parquet or
// <split>_ids.csv in dir take precedence; otherwise the loader is queried. A nil
// loader with no file for a split is an error.
func LoadIDs(ctx context.Context, names []string, dir string, loader domain.SplitIDsLoader) ([]IDs, error) {
	out := make([]IDs, 0, len(names))
	for _, name := range names {
		ids, err := idsFromFiles(dir, name)
		if errors.Is(err, os.ErrNotExist) {
			if loader == nil {
				return nil, fmt.Errorf("no id file or loader for split %s: %w", name, domain.ErrNotFound)
			}
			ids, err = loader.LoadSplitIDs(ctx, name)
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s ids: %w", name, err)
		}
		out = append(out, IDs{Name: name, IDs: ids})
	}
	return out, nil
}

func idsFromFiles(dir, name string) ([]int64, error) {
	if dir == "" {
		return nil, os.ErrNotExist
	}
	for _, ext := range []string{".parquet", ".csv"} {
		path := filepath.Join(dir, name+"_ids"+ext)
		if _, err := os.Stat(path); err == nil {
			return storage.ReadIDs(path)
		}
	}
	return nil, os.ErrNotExist
}
