package storage

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/pkg/frame"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "chunk.parquet")

	ts := []time.Time{
		time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 1, 12, 30, 0, 0, time.UTC),
	}
	in := frame.MustNew(
		frame.IntColumn("entity_id", []int64{1, 999}),
		frame.TimeColumn("timestamp", ts),
		frame.StringColumn("prediction_time_uuid", []string{"a", "b"}),
		frame.FloatColumn("pred_z_within_0_to_1_days_mean_fallback_nan", []float64{0.5, math.NaN()}),
		frame.FloatColumn("pred_a_within_0_to_1_days_mean_fallback_0", []float64{1, 0}),
	)

	require.NoError(t, WriteFrame(path, in))

	out, err := ReadFrame(path)
	require.NoError(t, err)
	assert.Equal(t, in.Names(), out.Names(), "column order must survive")
	require.Equal(t, 2, out.NumRows())
	for _, c := range in.Columns() {
		got, err := out.Column(c.Name)
		require.NoError(t, err)
		assert.True(t, c.Equal(got), c.Name)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestWriteFrame_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	in := frame.MustNew(frame.IntColumn("entity_id", nil), frame.FloatColumn("x", nil))

	require.NoError(t, WriteFrame(path, in))
	out, err := ReadFrame(path)
	require.NoError(t, err)
	assert.Equal(t, 0, out.NumRows())
	assert.Equal(t, []string{"entity_id", "x"}, out.Names())
}

func TestReadFrame_MissingFile(t *testing.T) {
	_, err := ReadFrame(filepath.Join(t.TempDir(), "nope.parquet"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadIDs(t *testing.T) {
	dir := t.TempDir()

	pq := filepath.Join(dir, "train.parquet")
	require.NoError(t, WriteFrame(pq, frame.MustNew(frame.IntColumn("entity_id", []int64{3, 1, 2}))))
	ids, err := ReadIDs(pq)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, ids)

	csvPath := filepath.Join(dir, "val.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("split,entity_id\nval,7\nval, 8\n"), 0o644))
	ids, err = ReadIDs(csvPath)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, ids)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("id\n1\n"), 0o644))
	_, err = ReadIDs(bad)
	assert.Error(t, err)

	_, err = ReadIDs(filepath.Join(dir, "ids.txt"))
	assert.Error(t, err)
}
