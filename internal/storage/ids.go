package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/pkg/frame"
)

// ReadIDs reads the entity_id column of a parquet or CSV file, e.g. a split id list
func ReadIDs(path string) ([]int64, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		f, err := ReadFrame(path)
		if err != nil {
			return nil, err
		}
		col, err := f.Column(domain.EntityIDCol)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if col.Kind != frame.Int {
			return nil, fmt.Errorf("%s: %s must be an integer column, got %s", path, domain.EntityIDCol, col.Kind)
		}
		return col.Ints, nil
	case ".csv":
		return readCSVIDs(path)
	}
	return nil, domain.NewValidationError("path", "expected a .parquet or .csv file", path)
}

func readCSVIDs(path string) ([]int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(h) == domain.EntityIDCol {
			col = i
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%s: %w: %s", path, domain.ErrMissingColumn, domain.EntityIDCol)
	}

	var ids []int64
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[col]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid entity id %q", path, line, rec[col])
		}
		ids = append(ids, id)
	}
	return ids, nil
}
