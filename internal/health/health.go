// Package health runs readiness checks against the services a generation run needs.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/cache"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// State of a component
type State string

const (
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Check probes one component
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// ComponentHealth is the outcome of one check
type ComponentHealth struct {
	Name     string        `json:"name"`
	Status   State         `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the outcome of every check, sorted by name
type Report struct {
	Overall    State             `json:"overall"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs checks concurrently, each under its own timeout
type Checker struct {
	checks  []Check
	timeout time.Duration
	logger  *logrus.Logger
}

// NewChecker creates a checker. A zero timeout means 10 seconds.
func NewChecker(timeout time.Duration, logger *logrus.Logger, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{checks: checks, timeout: timeout, logger: logger}
}

// Run executes every check and reports unhealthy if any check failed
func (c *Checker) Run(ctx context.Context) *Report {
	results := make([]ComponentHealth, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = c.run(ctx, check)
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	report := &Report{Overall: StateHealthy, Timestamp: time.Now(), Components: results}
	for _, r := range results {
		if r.Status == StateUnhealthy {
			report.Overall = StateUnhealthy
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, check Check) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	result := ComponentHealth{Name: check.Name(), Status: StateHealthy, Duration: time.Since(start)}
	if err != nil {
		result.Status = StateUnhealthy
		result.Error = err.Error()
		c.logger.WithError(err).WithField("component", result.Name).Warn("Health check failed")
	}
	return result
}

// WarehouseCheck runs a trivial query through the guarded querier
type WarehouseCheck struct {
	Querier warehouse.Querier
}

func (WarehouseCheck) Name() string { return "warehouse" }

func (w WarehouseCheck) Check(ctx context.Context) error {
	var one int64
	return w.Querier.Query(ctx, "SELECT 1", nil, func(s warehouse.Scanner) error {
		return s.Scan(&one)
	})
}

// CacheCheck writes and reads back a probe entry
type CacheCheck struct {
	Backend cache.Backend
}

func (CacheCheck) Name() string { return "cache" }

func (c CacheCheck) Check(ctx context.Context) error {
	key := fmt.Sprintf("health-%d", time.Now().UnixNano())
	if err := c.Backend.Set(ctx, key, []byte("ok"), time.Minute); err != nil {
		return fmt.Errorf("writing probe: %w", err)
	}
	data, ok, err := c.Backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading probe: %w", err)
	}
	if !ok || string(data) != "ok" {
		return fmt.Errorf("probe entry was not returned")
	}
	return nil
}

// DirCheck verifies that an output directory can be created and written
type DirCheck struct {
	Label string
	Dir   string
}

func (d DirCheck) Name() string { return d.Label }

func (d DirCheck) Check(context.Context) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(d.Dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

// FuncCheck adapts a function, e.g. an audit store query
type FuncCheck struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f FuncCheck) Name() string { return f.Label }

func (f FuncCheck) Check(ctx context.Context) error { return f.Fn(ctx) }
