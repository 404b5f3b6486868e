// Package cli implements the psycop-flatten command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/alerting"
	"github.com/psycop-feature-generation/internal/audit"
	"github.com/psycop-feature-generation/internal/cache"
	"github.com/psycop-feature-generation/internal/config"
	"github.com/psycop-feature-generation/internal/database"
	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/features"
	"github.com/psycop-feature-generation/internal/generate"
	"github.com/psycop-feature-generation/internal/health"
	"github.com/psycop-feature-generation/internal/loaders"
	"github.com/psycop-feature-generation/internal/logging"
	"github.com/psycop-feature-generation/internal/pipeline"
	"github.com/psycop-feature-generation/internal/storage"
	"github.com/psycop-feature-generation/internal/warehouse"
)

// CLI dispatches subcommands
type CLI struct {
	out        io.Writer
	configFile string
}

// New creates a CLI writing its reports to out
func New(out io.Writer) *CLI {
	if out == nil {
		out = os.Stdout
	}
	return &CLI{out: out}
}

// Run executes the command named by args[0]. A leading --config flag selects the
// configuration file for every command.
func (c *CLI) Run(ctx context.Context, args []string) error {
	for len(args) > 1 && (args[0] == "--config" || args[0] == "-c") {
		c.configFile = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "generate":
		return c.generate(ctx, args[1:])
	case "clean":
		return c.clean(ctx, args[1:])
	case "status":
		return c.showStatus(args[1:])
	case "validate":
		return c.validate()
	case "doctor":
		return c.doctor(ctx, args[1:])
	case "describe-columns":
		return c.describeColumns(args[1:])
	case "loaders":
		return c.listLoaders()
	case "audit":
		return c.audit(ctx, args[1:])
	case "migrate":
		return c.migrate(ctx, args[1:])
	case "help", "--help", "-h":
		return c.showHelp()
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n\n", args[0])
		c.showHelp()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *CLI) showHelp() error {
	fmt.Fprint(c.out, `
psycop-flatten: feature generation for prediction-time cohorts

Usage:
  psycop-flatten [--config config.yaml] <command> [options]

Commands:
  generate          Filter the cohort, flatten every feature layer and write the datasets
  clean             Remove chunk files and the run lock of a feature set
  status            Show the output directory, lock and cache of a feature set
  validate          Validate the configuration
  doctor            Check the warehouse, cache, audit store and output directory
  describe-columns  Explain feature column names of a dataset file or given names
  loaders           List the registered loaders
  audit             Inspect recorded runs (list, show <run-id>, export)
  migrate           Migrate the postgres audit schema (up, down, version)

Options:
  --feature-set NAME   Override generation.feature_set_name
  --max-layer N        Override generation.max_layer (generate)
  --chunk-size N       Override generation.chunk_size (generate)
  --cache              Also clear the loader cache (clean)

Examples:
  psycop-flatten --config t2d.yaml generate --max-layer 2
  psycop-flatten describe-columns flattened_datasets/t2d/train.parquet
  psycop-flatten audit export > runs.json
`)
	return nil
}

// load reads and validates the configuration after applying command line overrides
func (c *CLI) load(args []string) (*config.Manager, error) {
	var opts []config.Option
	if c.configFile != "" {
		opts = append(opts, config.WithConfigFile(c.configFile))
	}
	m, err := config.NewManager(opts...)
	if err != nil {
		return nil, err
	}

	gen := &m.GetConfig().Generation
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			break
		}
		switch args[i] {
		case "--feature-set", "-f":
			gen.FeatureSetName = args[i+1]
			i++
		case "--max-layer":
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, domain.NewValidationError("--max-layer", "must be an integer", args[i+1])
			}
			gen.MaxLayer = n
			i++
		case "--chunk-size":
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, domain.NewValidationError("--chunk-size", "must be an integer", args[i+1])
			}
			gen.ChunkSize = n
			i++
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *CLI) logger(cfg *domain.Config) (*logrus.Logger, io.Closer, error) {
	return logging.New(cfg.Logging)
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// generate runs the full pipeline. Failures trigger an alert and are returned unchanged.
func (c *CLI) generate(ctx context.Context, args []string) error {
	m, err := c.load(args)
	if err != nil {
		return err
	}
	cfg := m.GetConfig()
	logger, closer, err := c.logger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	notifier := alerting.FromConfig(cfg.Alerting, logger)
	run := fmt.Sprintf("%s feature generation (%s)", cfg.Project.Name, cfg.Generation.FeatureSetName)
	return notifier.Wrap(ctx, run, func(ctx context.Context) error {
		wh, err := warehouse.Open(ctx, cfg.Warehouse, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("opening warehouse: %w", err)
		}
		defer wh.Close()

		ch, err := cache.Open(ctx, cfg.Cache, cfg.Project.ProjectPath, logger)
		if err != nil {
			return fmt.Errorf("opening loader cache: %w", err)
		}
		defer ch.Close()

		var store audit.Store
		if cfg.Audit.Enabled {
			if store, err = audit.Open(ctx, cfg.Audit, logger); err != nil {
				return fmt.Errorf("opening audit store: %w", err)
			}
			defer store.Close()
		}

		p := &pipeline.Pipeline{
			Config:   cfg,
			Registry: loaders.NewDefaultRegistry(wh, cfg.Warehouse.Schema, ch),
			SplitIDs: loaders.NewSplitIDs(wh, cfg.Warehouse.Schema),
			Audit:    store,
			Logger:   logger,
		}
		summary, err := p.Run(ctx)
		if err != nil {
			return err
		}
		c.printSummary(summary)
		return nil
	})
}

func (c *CLI) printSummary(s *pipeline.Summary) {
	fmt.Fprintf(c.out, "Feature set: %s\n", s.FeatureSet)
	if s.RunID != "" {
		fmt.Fprintf(c.out, "Run: %s\n", s.RunID)
	}
	fmt.Fprintln(c.out, "\nCohort:")
	for _, step := range s.Steps {
		fmt.Fprintf(c.out, "  %-28s %8d -> %8d prediction times (%d ids)\n",
			step.StepName, step.NPredictionTimesBefore, step.NPredictionTimesAfter, step.NIDsAfter)
	}
	fmt.Fprintf(c.out, "\nDataset: %d rows x %d columns from %d specs\n", s.Rows, s.Columns, s.Specs)
	for _, split := range s.Splits {
		fmt.Fprintf(c.out, "  %-8s %8d rows, %.1f%% of ids missing\n", split.Name, split.Frame.NumRows(), split.PctMissing())
	}
	for _, f := range s.Files {
		fmt.Fprintf(c.out, "  ✓ %s\n", f)
	}
	fmt.Fprintf(c.out, "\nFinished in %s\n", s.Duration.Round(time.Millisecond))
}

// clean removes what a crashed run leaves behind
func (c *CLI) clean(ctx context.Context, args []string) error {
	m, err := c.load(args)
	if err != nil {
		return err
	}
	cfg := m.GetConfig()
	dir := cfg.Project.FlattenedDatasetsDir(cfg.Generation.FeatureSetName)

	n, err := generate.CleanChunks(dir)
	if err != nil {
		return fmt.Errorf("removing chunks: %w", err)
	}
	fmt.Fprintf(c.out, "✓ Removed %d chunk files from %s\n", n, dir)

	if err := generate.RemoveLock(dir); err != nil {
		return fmt.Errorf("removing lock: %w", err)
	}
	fmt.Fprintln(c.out, "✓ Run lock released")

	if hasFlag(args, "--cache") {
		logger, closer, err := c.logger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()
		ch, err := cache.Open(ctx, cfg.Cache, cfg.Project.ProjectPath, logger)
		if err != nil {
			return fmt.Errorf("opening loader cache: %w", err)
		}
		defer ch.Close()
		cleared, err := ch.Clear(ctx)
		if err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
		fmt.Fprintf(c.out, "✓ Cleared %d cache entries\n", cleared)
	}
	return nil
}

func (c *CLI) showStatus(args []string) error {
	m, err := c.load(args)
	if err != nil {
		return err
	}
	cfg := m.GetConfig()
	dir := cfg.Project.FlattenedDatasetsDir(cfg.Generation.FeatureSetName)

	fmt.Fprintf(c.out, "Feature set: %s\n", cfg.Generation.FeatureSetName)
	fmt.Fprintf(c.out, "  Output: %s\n", dir)
	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintln(c.out, "  Status: - Not generated yet")
		return nil
	}

	if _, err := os.Stat(filepath.Join(dir, ".generate.lock")); err == nil {
		fmt.Fprintln(c.out, "  Lock: ⚠ Held (a run is active or crashed; use clean)")
	} else {
		fmt.Fprintln(c.out, "  Lock: ✓ Free")
	}

	chunks, err := generate.ListChunks(dir)
	if err != nil {
		return err
	}
	if len(chunks) > 0 {
		fmt.Fprintf(c.out, "  Chunks: ⚠ %d left over\n", len(chunks))
	}

	files := []string{pipeline.UnsplitFileName}
	for _, s := range cfg.Generation.Splits {
		files = append(files, s+".parquet")
	}
	for _, name := range files {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			fmt.Fprintf(c.out, "  %s: ✓ Present\n", name)
		}
	}
	fmt.Fprintf(c.out, "  Cache backend: %s\n", cfg.Cache.Backend)
	return nil
}

func (c *CLI) validate() error {
	fmt.Fprintln(c.out, "Validating configuration...")
	m, err := c.load(nil)
	if err != nil {
		fmt.Fprintf(c.out, "✗ Configuration has issues:\n  - %v\n", err)
		return err
	}
	if _, err := features.LoadLayerSet(m.GetConfig().Generation.LayersFile); err != nil {
		fmt.Fprintf(c.out, "✗ Layer file has issues:\n  - %v\n", err)
		return err
	}
	fmt.Fprintln(c.out, "✓ Configuration is valid!")
	return nil
}

// doctor checks every service a generate run would use
func (c *CLI) doctor(ctx context.Context, args []string) error {
	m, err := c.load(args)
	if err != nil {
		return err
	}
	cfg := m.GetConfig()
	logger, closer, err := c.logger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	checks := []health.Check{health.DirCheck{
		Label: "output",
		Dir:   cfg.Project.FlattenedDatasetsDir(cfg.Generation.FeatureSetName),
	}}

	wh, werr := warehouse.Open(ctx, cfg.Warehouse, cfg.Database, logger)
	if werr != nil {
		checks = append(checks, health.FuncCheck{Label: "warehouse", Fn: func(context.Context) error { return werr }})
	} else {
		defer wh.Close()
		checks = append(checks, health.WarehouseCheck{Querier: wh})
	}

	ch, cerr := cache.Open(ctx, cfg.Cache, cfg.Project.ProjectPath, logger)
	switch {
	case cerr != nil:
		checks = append(checks, health.FuncCheck{Label: "cache", Fn: func(context.Context) error { return cerr }})
	case ch != nil:
		defer ch.Close()
		checks = append(checks, health.CacheCheck{Backend: ch.Backend()})
	}

	if cfg.Audit.Enabled {
		store, aerr := audit.Open(ctx, cfg.Audit, logger)
		if aerr != nil {
			checks = append(checks, health.FuncCheck{Label: "audit", Fn: func(context.Context) error { return aerr }})
		} else {
			defer store.Close()
			checks = append(checks, health.FuncCheck{Label: "audit", Fn: func(ctx context.Context) error {
				_, err := store.ListRuns(ctx, 1, 0)
				return err
			}})
		}
	}

	report := health.NewChecker(cfg.Warehouse.QueryTimeout, logger, checks...).Run(ctx)
	for _, comp := range report.Components {
		mark := "✓"
		if comp.Status != health.StateHealthy {
			mark = "✗"
		}
		fmt.Fprintf(c.out, "%s %-10s %s", mark, comp.Name, comp.Duration.Round(time.Millisecond))
		if comp.Error != "" {
			fmt.Fprintf(c.out, "  %s", comp.Error)
		}
		fmt.Fprintln(c.out)
	}
	if report.Overall != health.StateHealthy {
		return errors.New("one or more components are unhealthy")
	}
	return nil
}

// describeColumns explains column names, read from dataset files or given directly
func (c *CLI) describeColumns(args []string) error {
	if len(args) == 0 {
		return domain.NewValidationError("describe-columns", "expects a dataset file or column names", nil)
	}
	prefixes := domain.DefaultPrefixes()
	if m, err := c.load(nil); err == nil {
		prefixes = m.GetProjectInfo().Prefixes
	}

	var names []string
	for _, a := range args {
		if ext := strings.ToLower(filepath.Ext(a)); ext == ".parquet" {
			df, err := storage.ReadFrame(a)
			if err != nil {
				return err
			}
			names = append(names, df.Names()...)
			continue
		}
		names = append(names, a)
	}

	for _, name := range names {
		info, err := features.ParseColumnName(name, prefixes)
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintf(c.out, "%s\n  identifier or unprefixed column\n", name)
			continue
		}
		if err != nil {
			fmt.Fprintf(c.out, "%s\n  ✗ %v\n", name, err)
			continue
		}
		fmt.Fprintf(c.out, "%s\n  %s %q", name, info.Family, info.Name)
		switch info.Family {
		case features.FamilyPredictor, features.FamilyOutcome:
			fmt.Fprintf(c.out, ", %s within %g to %g days", info.Aggregator, info.Window.Lo, info.Window.Hi)
		case features.FamilyTimeDelta:
			fmt.Fprintf(c.out, ", in %s", info.Unit)
		}
		fmt.Fprintf(c.out, ", fallback %s\n", info.Fallback)
	}
	return nil
}

func (c *CLI) listLoaders() error {
	for _, name := range loaders.NewDefaultRegistry(nil, "", nil).Names() {
		fmt.Fprintln(c.out, name)
	}
	return nil
}

func (c *CLI) audit(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return domain.NewValidationError("audit", "expects list, show or export", nil)
	}
	m, err := c.load(nil)
	if err != nil {
		return err
	}
	cfg := m.GetConfig()
	logger, closer, err := c.logger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := audit.Open(ctx, cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "list":
		runs, err := store.ListRuns(ctx, 50, 0)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(c.out, "%s  %-9s %-10s %s  %s\n", r.ID, r.Status, r.Stage, r.StartedAt.Format("2006-01-02 15:04"), r.FeatureSet)
		}
		return nil
	case "show":
		if len(args) < 2 {
			return domain.NewValidationError("audit show", "expects a run id", nil)
		}
		run, err := store.GetRun(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Run %s (%s, %s)\n", run.ID, run.Stage, run.Status)
		if run.Error != "" {
			fmt.Fprintf(c.out, "  Error: %s\n", run.Error)
		}
		for _, s := range run.Steps {
			fmt.Fprintf(c.out, "  %2d %-28s %8d -> %8d (%d dropped)\n",
				s.StepIndex, s.StepName, s.NPredictionTimesBefore, s.NPredictionTimesAfter, s.Dropped())
		}
		return nil
	case "export":
		return store.ExportJSON(ctx, c.out)
	}
	return domain.NewValidationError("audit", "expects list, show or export", args[0])
}

func (c *CLI) migrate(ctx context.Context, args []string) error {
	m, err := c.load(nil)
	if err != nil {
		return err
	}
	cfg := m.GetConfig()
	logger, closer, err := c.logger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	url := cfg.Audit.DSN
	if url == "" {
		url = m.GetDatabaseURL()
	}
	runner, err := database.NewMigrationRunner(url, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	action := "up"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "up":
		err = runner.Up(ctx)
	case "down":
		err = runner.Down(ctx)
	case "version":
		version, dirty, verr := runner.Version()
		if verr != nil {
			return verr
		}
		fmt.Fprintf(c.out, "version %d (dirty: %v)\n", version, dirty)
		return nil
	default:
		return domain.NewValidationError("migrate", "expects up, down or version", action)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "✓ Migrations %s complete\n", action)
	return nil
}
