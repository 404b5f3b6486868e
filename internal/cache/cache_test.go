package cache

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/domain"
)

type countingLoader struct {
	calls int
	err   error
}

func (l *countingLoader) Name() string { return "hba1c" }

func (l *countingLoader) Load(_ context.Context, params domain.LoadParams) (*domain.ValueSeries, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &domain.ValueSeries{Name: "hba1c", Events: []domain.Event{
		{EntityID: 1, Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Value: 48},
		{EntityID: 2, Timestamp: time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), Value: math.NaN()},
	}}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func predictorParams(t *testing.T) domain.LoadParams {
	p, err := domain.NewLoadParams(domain.PurposePredictor)
	require.NoError(t, err)
	return p
}

func TestWrapLoader_DirBackend(t *testing.T) {
	dir, err := NewDirBackend(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	c := New(dir, "v1", 0, quietLogger())
	inner := &countingLoader{}
	l := WrapLoader(inner, c)
	ctx := context.Background()

	first, err := l.Load(ctx, predictorParams(t))
	require.NoError(t, err)
	second, err := l.Load(ctx, predictorParams(t))
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, "hba1c", l.Name())
	require.Len(t, second.Events, 2)
	assert.Equal(t, first.Events[0], second.Events[0])
	assert.True(t, math.IsNaN(second.Events[1].Value), "NaN survives the round trip")

	outcome, err := domain.NewLoadParams(domain.PurposeOutcome)
	require.NoError(t, err)
	_, err = l.Load(ctx, outcome)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "different parameters are a different entry")
}

func TestMemoize_VersionInvalidates(t *testing.T) {
	mem, err := NewMemoryBackend(8)
	require.NoError(t, err)
	inner := &countingLoader{}
	ctx := context.Background()

	_, err = WrapLoader(inner, New(mem, "v1", 0, quietLogger())).Load(ctx, predictorParams(t))
	require.NoError(t, err)
	_, err = WrapLoader(inner, New(mem, "v2", 0, quietLogger())).Load(ctx, predictorParams(t))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestMemoize_Expiry(t *testing.T) {
	mem, err := NewMemoryBackend(8)
	require.NoError(t, err)
	c := New(mem, "v1", time.Nanosecond, quietLogger())
	inner := &countingLoader{}
	l := WrapLoader(inner, c)

	_, err = l.Load(context.Background(), predictorParams(t))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = l.Load(context.Background(), predictorParams(t))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestMemoize_ErrorsAreNotCached(t *testing.T) {
	mem, err := NewMemoryBackend(8)
	require.NoError(t, err)
	inner := &countingLoader{err: errors.New("warehouse down")}
	l := WrapLoader(inner, New(mem, "v1", 0, quietLogger()))

	_, err = l.Load(context.Background(), predictorParams(t))
	assert.Error(t, err)
	n, _ := mem.Clear(context.Background())
	assert.Equal(t, 0, n)
}

func TestMemoize_NilCache(t *testing.T) {
	inner := &countingLoader{}
	l := WrapLoader(inner, nil)
	for i := 0; i < 2; i++ {
		_, err := l.Load(context.Background(), predictorParams(t))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, inner.calls)
}

func TestTiered_PromotesHits(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryBackend(8)
	require.NoError(t, err)
	dir, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, dir.Set(ctx, "k", []byte("payload"), 0))
	tiered := NewTiered(nil, mem, dir)
	assert.Equal(t, "memory+dir", tiered.Name())

	data, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	data, ok, _ = mem.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	n, err := tiered.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok, _ = tiered.Get(ctx, "k")
	assert.False(t, ok)
}

type readOnlyBackend struct{ Backend }

func (readOnlyBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("read-only file system")
}

func TestTiered_PromotionFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	mem, err := NewMemoryBackend(8)
	require.NoError(t, err)
	dir, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dir.Set(ctx, "k", []byte("payload"), 0))

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	tiered := NewTiered(logger, readOnlyBackend{mem}, dir)

	data, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "Failed to promote cache hit", entry.Message)
	assert.Equal(t, "memory", entry.Data["tier"])
	assert.Equal(t, "cache", entry.Data["component"])
}

func TestDirBackend_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir.path("bad"), []byte("not snappy"), 0o644))

	_, ok, err := dir.Get(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	_, statErr := os.Stat(dir.path("bad"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	project := t.TempDir()

	c, err := Open(ctx, domain.CacheConfig{Backend: "none"}, project, nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = Open(ctx, domain.CacheConfig{Backend: "dir", Dir: ".cache", Version: "v1"}, project, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory+dir", c.Backend().Name())
	_, err = os.Stat(filepath.Join(project, ".cache"))
	assert.NoError(t, err)

	_, err = Open(ctx, domain.CacheConfig{Backend: "s3"}, project, nil)
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis tests")
	}
	ctx := context.Background()
	r, err := NewRedisBackend(ctx, url)
	require.NoError(t, err)
	defer r.Close()

	inner := &countingLoader{}
	l := WrapLoader(inner, New(r, "redis-test", time.Minute, quietLogger()))
	for i := 0; i < 2; i++ {
		_, err := l.Load(ctx, predictorParams(t))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.calls)

	n, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
