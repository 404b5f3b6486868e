// Package cache memoises loader results. Entries are keyed on the cache version, the
// kind of result, the loader name and its load parameters, so bumping the version
// invalidates every entry.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/domain"
)

// Cache wraps a Backend with keying, expiry and encoding. A nil *Cache is valid and
// never caches.
type Cache struct {
	backend Backend
	version string
	ttl     time.Duration
	log     *logrus.Logger
}

// New creates a cache over backend
func New(backend Backend, version string, ttl time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{backend: backend, version: version, ttl: ttl, log: logger}
}

// Open builds the cache selected by the configuration. The dir and redis backends sit
// behind an in-memory LRU tier. The none backend returns a nil cache.
func Open(ctx context.Context, cfg domain.CacheConfig, projectPath string, logger *logrus.Logger) (*Cache, error) {
	if cfg.Backend == "none" {
		return nil, nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	memory, err := NewMemoryBackend(cfg.MaxItems)
	if err != nil {
		return nil, err
	}

	var backend Backend
	switch cfg.Backend {
	case "memory":
		backend = memory
	case "dir":
		dir := cfg.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(projectPath, dir)
		}
		d, err := NewDirBackend(dir)
		if err != nil {
			return nil, err
		}
		backend = NewTiered(logger, memory, d)
	case "redis":
		r, err := NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		backend = NewTiered(logger, memory, r)
	default:
		return nil, domain.NewValidationError("cache.backend", "must be one of dir, redis, memory, none", cfg.Backend)
	}
	return New(backend, cfg.Version, cfg.DefaultTTL, logger), nil
}

// Backend returns the underlying backend
func (c *Cache) Backend() Backend {
	if c == nil {
		return nil
	}
	return c.backend
}

// Close releases backends that hold connections. A nil cache is a no-op.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return closeBackend(c.backend)
}

func closeBackend(b Backend) error {
	switch v := b.(type) {
	case *Tiered:
		var first error
		for _, inner := range v.Backends {
			if err := closeBackend(inner); err != nil && first == nil {
				first = err
			}
		}
		return first
	case io.Closer:
		return v.Close()
	}
	return nil
}

// entry is the envelope stored in the backend
type entry struct {
	Version   string
	CachedAt  time.Time
	ExpiresAt time.Time
	Payload   []byte
}

// Key returns the content address of a loader result
func (c *Cache) Key(kind, name string, params interface{}) (string, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", c.version, kind, name)
	h.Write(p)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Memoize returns the cached result for (kind, name, params), calling load and storing
// its result on a miss. Backend failures are logged and treated as misses.
func Memoize[T any](ctx context.Context, c *Cache, kind, name string, params interface{}, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	logger := c.log.WithFields(logrus.Fields{"kind": kind, "loader": name, "backend": c.backend.Name()})

	key, err := c.Key(kind, name, params)
	if err != nil {
		var zero T
		return zero, err
	}

	if v, ok := get[T](ctx, c, key, logger); ok {
		logger.Debug("Cache hit")
		return v, nil
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if err := put(ctx, c, key, v); err != nil {
		logger.WithError(err).Warn("Failed to store cache entry")
	}
	return v, nil
}

func get[T any](ctx context.Context, c *Cache, key string, logger *logrus.Entry) (T, bool) {
	var zero T
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("Cache lookup failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var e entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		logger.WithError(err).Warn("Discarding unreadable cache entry")
		return zero, false
	}
	if e.Version != c.version || (!e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)) {
		return zero, false
	}

	var v T
	if err := gob.NewDecoder(bytes.NewReader(e.Payload)).Decode(&v); err != nil {
		logger.WithError(err).Warn("Discarding unreadable cache entry")
		return zero, false
	}
	return v, true
}

func put[T any](ctx context.Context, c *Cache, key string, v T) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	e := entry{Version: c.version, CachedAt: time.Now(), Payload: payload.Bytes()}
	if c.ttl > 0 {
		e.ExpiresAt = e.CachedAt.Add(c.ttl)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	return c.backend.Set(ctx, key, buf.Bytes(), c.ttl)
}

// Clear removes every entry from the backend
func (c *Cache) Clear(ctx context.Context) (int, error) {
	if c == nil {
		return 0, nil
	}
	return c.backend.Clear(ctx)
}

// Loader wraps a raw loader so its results are served from the cache
type Loader struct {
	inner domain.Loader
	cache *Cache
}

var _ domain.Loader = (*Loader)(nil)

// WrapLoader caches the results of l
func WrapLoader(l domain.Loader, c *Cache) *Loader {
	return &Loader{inner: l, cache: c}
}

// Name implements domain.Loader
func (l *Loader) Name() string { return l.inner.Name() }

// Load implements domain.Loader
func (l *Loader) Load(ctx context.Context, params domain.LoadParams) (*domain.ValueSeries, error) {
	return Memoize(ctx, l.cache, "series", l.inner.Name(), params, func(ctx context.Context) (*domain.ValueSeries, error) {
		return l.inner.Load(ctx, params)
	})
}
