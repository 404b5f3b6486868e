package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Backend stores opaque cache entries
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Clear(ctx context.Context) (int, error)
}

// DirBackend keeps snappy-compressed entries as files in a directory
type DirBackend struct {
	dir string
}

// NewDirBackend creates the cache directory if needed
func NewDirBackend(dir string) (*DirBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &DirBackend{dir: dir}, nil
}

const entrySuffix = ".cache"

func (b *DirBackend) path(key string) string {
	return filepath.Join(b.dir, key+entrySuffix)
}

// Name implements Backend
func (b *DirBackend) Name() string { return "dir" }

// Get implements Backend
func (b *DirBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		// Remove corrupted cache entry
		os.Remove(b.path(key))
		return nil, false, nil
	}
	return data, true, nil
}

// Set implements Backend. Expiry is carried by the entry envelope.
func (b *DirBackend) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(snappy.Encode(nil, data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.path(key))
}

// Clear implements Backend
func (b *DirBackend) Clear(_ context.Context) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), entrySuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, err
		}
		n++
	}
	return n, nil
}

// MemoryBackend is a bounded in-process LRU
type MemoryBackend struct {
	entries *lru.Cache[string, []byte]
}

// NewMemoryBackend holds at most size entries
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = 64
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryBackend{entries: entries}, nil
}

// Name implements Backend
func (b *MemoryBackend) Name() string { return "memory" }

// Get implements Backend
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, ok := b.entries.Get(key)
	return data, ok, nil
}

// Set implements Backend
func (b *MemoryBackend) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	b.entries.Add(key, data)
	return nil
}

// Clear implements Backend
func (b *MemoryBackend) Clear(_ context.Context) (int, error) {
	n := b.entries.Len()
	b.entries.Purge()
	return n, nil
}

// RedisBackend shares entries between machines through Redis
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to the Redis URL and verifies the connection
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBackend{client: client, prefix: "psycop:loader:"}, nil
}

// Name implements Backend
func (b *RedisBackend) Name() string { return "redis" }

// Get implements Backend
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		b.client.Del(ctx, b.prefix+key)
		return nil, false, nil
	}
	return data, true, nil
}

// Set implements Backend
func (b *RedisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return b.client.Set(ctx, b.prefix+key, snappy.Encode(nil, data), ttl).Err()
}

// Clear implements Backend
func (b *RedisBackend) Clear(ctx context.Context) (int, error) {
	n := 0
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Err()
}

// Close closes the client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Tiered consults backends in order and copies hits into the faster tiers before them
type Tiered struct {
	Backends []Backend
	logger   logrus.FieldLogger
}

// NewTiered stacks backends, fastest first. Failed promotions are logged at debug.
func NewTiered(logger logrus.FieldLogger, backends ...Backend) *Tiered {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tiered{Backends: backends, logger: logger.WithField("component", "cache")}
}

// Name implements Backend
func (t *Tiered) Name() string {
	names := make([]string, len(t.Backends))
	for i, b := range t.Backends {
		names[i] = b.Name()
	}
	return strings.Join(names, "+")
}

// Get implements Backend
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, b := range t.Backends {
		data, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		for _, faster := range t.Backends[:i] {
			if err := faster.Set(ctx, key, data, 0); err != nil {
				t.logger.WithError(err).WithFields(logrus.Fields{
					"key":  key,
					"tier": faster.Name(),
				}).Debug("Failed to promote cache hit")
			}
		}
		return data, true, nil
	}
	return nil, false, nil
}

// Set implements Backend
func (t *Tiered) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	for _, b := range t.Backends {
		if err := b.Set(ctx, key, data, ttl); err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return nil
}

// Clear implements Backend
func (t *Tiered) Clear(ctx context.Context) (int, error) {
	total := 0
	for _, b := range t.Backends {
		n, err := b.Clear(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return total, nil
}
