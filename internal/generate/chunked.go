// Package generate flattens large spec sets in chunks, persisting each chunk to disk
// and merging the chunks back into one dataset.
package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/features"
	"github.com/psycop-feature-generation/internal/storage"
	"github.com/psycop-feature-generation/pkg/frame"
)

const (
	chunkPrefix  = "flattened_dataset_chunk_"
	chunkSuffix  = ".parquet"
	lockFileName = ".generate.lock"
)

var chunkPattern = regexp.MustCompile(`^` + chunkPrefix + `(\d+)` + regexp.QuoteMeta(chunkSuffix) + `$`)

// Flattener computes the feature columns of specs for prediction times
type Flattener interface {
	Flatten(ctx context.Context, pts []domain.PredictionTime, specs []features.Spec) (*frame.Frame, error)
}

// Generator runs chunked flattening against an output directory
type Generator struct {
	flattener Flattener
	logger    *logrus.Logger
}

// NewGenerator creates a generator
func NewGenerator(f Flattener, logger *logrus.Logger) *Generator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Generator{flattener: f, logger: logger}
}

// ChunkPath returns the path of chunk i inside dir
func ChunkPath(dir string, i int) string {
	return filepath.Join(dir, chunkPrefix+strconv.Itoa(i)+chunkSuffix)
}

// Partition splits specs into consecutive groups of at most size. A size <= 0 keeps
// all specs in one group.
func Partition(specs []features.Spec, size int) [][]features.Spec {
	if len(specs) == 0 {
		return [][]features.Spec{nil}
	}
	if size <= 0 || size >= len(specs) {
		return [][]features.Spec{specs}
	}
	var out [][]features.Spec
	for start := 0; start < len(specs); start += size {
		end := start + size
		if end > len(specs) {
			end = len(specs)
		}
		out = append(out, specs[start:end])
	}
	return out
}

// CreateFlattenedDatasetWithChunking flattens specs in groups of chunkSize, writes each
// chunk to the feature set directory, reads the chunks back in index order and merges
// them. Stale chunk files from a crashed run are removed first; chunk files are removed
// after a successful merge. Concurrent runs against the same directory are rejected.
func (g *Generator) CreateFlattenedDatasetWithChunking(
	ctx context.Context,
	project domain.ProjectInfo,
	featureSet string,
	pts []domain.PredictionTime,
	specs []features.Spec,
	chunkSize int,
) (*frame.Frame, error) {
	dir := project.FlattenedDatasetsDir(featureSet)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeStorage, "prepare", "creating output directory", err)
	}

	unlock, err := AcquireLock(dir, g.logger)
	if err != nil {
		return nil, err
	}
	defer unlock()

	removed, err := CleanChunks(dir)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeStorage, "cleanup", "removing stale chunks", err)
	}
	if removed > 0 {
		g.logger.WithFields(logrus.Fields{"dir": dir, "removed": removed}).Warn("Removed stale chunk files")
	}

	groups := Partition(specs, chunkSize)
	logger := g.logger.WithFields(logrus.Fields{
		"feature_set":      featureSet,
		"prediction_times": len(pts),
		"specs":            len(specs),
		"chunks":           len(groups),
	})
	logger.Info("Starting chunked flattening")
	start := time.Now()

	for i, group := range groups {
		chunkStart := time.Now()
		df, err := g.flattener.Flatten(ctx, pts, group)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeFlatten, fmt.Sprintf("chunk_%d", i), "flattening chunk", err)
		}
		if err := storage.WriteFrame(ChunkPath(dir, i), df); err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeStorage, fmt.Sprintf("chunk_%d", i), "writing chunk", err)
		}
		logger.WithFields(logrus.Fields{
			"chunk":       i,
			"columns":     df.NumCols(),
			"duration_ms": time.Since(chunkStart).Milliseconds(),
		}).Debug("Wrote chunk")
	}

	paths, err := ListChunks(dir)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeStorage, "merge", "listing chunks", err)
	}
	frames := make([]*frame.Frame, 0, len(paths))
	for _, p := range paths {
		df, err := storage.ReadFrame(p)
		if err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeStorage, "merge", "reading chunk", err)
		}
		frames = append(frames, df)
	}

	merged, err := MergeFeatureFrames(frames)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeMerge, "merge", "merging chunks", err)
	}

	if _, err := CleanChunks(dir); err != nil {
		return nil, domain.NewPipelineError(domain.ErrCodeStorage, "cleanup", "removing chunks", err)
	}

	logger.WithFields(logrus.Fields{
		"rows":        merged.NumRows(),
		"columns":     merged.NumCols(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Finished chunked flattening")

	return merged, nil
}

// ListChunks returns the chunk files in dir ordered by chunk index
func ListChunks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type chunk struct {
		index int
		path  string
	}
	var chunks []chunk
	for _, e := range entries {
		m := chunkPattern.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		chunks = append(chunks, chunk{index: idx, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.path
	}
	return out, nil
}

// CleanChunks removes every chunk file in dir and returns how many were removed.
// A missing directory is not an error.
func CleanChunks(dir string) (int, error) {
	paths, err := ListChunks(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}
	return len(paths), nil
}

// AcquireLock creates the run lock in dir. The returned function releases it. A lock
// whose recorded pid no longer exists is removed with a warning and acquired anew.
func AcquireLock(dir string, logger logrus.FieldLogger) (func(), error) {
	path := filepath.Join(dir, lockFileName)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		pid, ok := lockOwner(path)
		if !ok || processAlive(pid) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunLocked, path)
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{"lock": path, "pid": pid}).Warn("Removing stale run lock")
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale lock file: %w", err)
		}
		fh, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunLocked, path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	fmt.Fprintf(fh, "pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	fh.Close()
	return func() { os.Remove(path) }, nil
}

var lockPID = regexp.MustCompile(`(?m)^pid=(\d+)`)

// lockOwner reads the pid recorded in a lock file
func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	m := lockPID.FindSubmatch(data)
	if m == nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(m[1]))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether a process with pid exists. EPERM means it exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// RemoveLock deletes a lock left behind by a crashed run
func RemoveLock(dir string) error {
	err := os.Remove(filepath.Join(dir, lockFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
