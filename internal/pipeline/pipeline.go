// Package pipeline wires the loaders, cohort definition, feature layers, chunked
// generator and splitter into one feature generation run.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/audit"
	"github.com/psycop-feature-generation/internal/cohort"
	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/features"
	"github.com/psycop-feature-generation/internal/flatten"
	"github.com/psycop-feature-generation/internal/generate"
	"github.com/psycop-feature-generation/internal/loaders"
	"github.com/psycop-feature-generation/internal/splitter"
	"github.com/psycop-feature-generation/internal/storage"
)

// UnsplitFileName is the dataset file written when no splits are configured
const UnsplitFileName = "flattened_dataset.parquet"

// Pipeline runs one feature set end to end
type Pipeline struct {
	Config   *domain.Config
	Registry *loaders.Registry
	SplitIDs domain.SplitIDsLoader
	Audit    audit.Store
	Logger   *logrus.Logger
}

// Summary describes a finished run
type Summary struct {
	RunID           string
	FeatureSet      string
	PredictionTimes int
	Specs           int
	Rows            int
	Columns         int
	Steps           []cohort.FilterStep
	Splits          []splitter.Result
	Files           []string
	Duration        time.Duration
}

func (p *Pipeline) logger() *logrus.Logger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

// Cohort builds the incident cohort from the configured loader names
func (p *Pipeline) Cohort(observers ...cohort.StepObserver) (*cohort.IncidentCohort, error) {
	cfg := p.Config.Cohort

	ptLoader, err := p.Registry.Loader(cfg.PredictionTimesLoader)
	if err != nil {
		return nil, domain.NewValidationError("cohort.prediction_times_loader", err.Error(), cfg.PredictionTimesLoader)
	}
	c := &cohort.IncidentCohort{
		Config:          cfg,
		PredictionTimes: loaders.PredictionTimes{Loader: ptLoader},
		Logger:          p.logger(),
		Observers:       observers,
	}
	if cfg.BirthdaysLoader != "" {
		if c.Birthdays, err = p.Registry.Loader(cfg.BirthdaysLoader); err != nil {
			return nil, domain.NewValidationError("cohort.birthdays_loader", err.Error(), cfg.BirthdaysLoader)
		}
	}
	if cfg.QuarantineLoader != "" {
		if c.Quarantine, err = p.Registry.Loader(cfg.QuarantineLoader); err != nil {
			return nil, domain.NewValidationError("cohort.quarantine_loader", err.Error(), cfg.QuarantineLoader)
		}
	}
	if c.Outcomes, err = p.Registry.Loaders(cfg.OutcomeLoaders); err != nil {
		return nil, domain.NewValidationError("cohort.outcome_loaders", err.Error(), cfg.OutcomeLoaders)
	}
	if c.Exclusions, err = p.Registry.Loaders(cfg.ExclusionLoaders); err != nil {
		return nil, domain.NewValidationError("cohort.exclusion_loaders", err.Error(), cfg.ExclusionLoaders)
	}
	return c, nil
}

// Specs resolves the predictor layers up to max_layer plus the outcome specs. Outcome
// labels are computed from the cohort's first-event series, so a layer outcome must
// name one of cohort.outcome_loaders or cohort.outcome_name.
func (p *Pipeline) Specs(ctx context.Context, definer *cohort.IncidentCohort) ([]features.Spec, error) {
	gen := p.Config.Generation
	layers, err := features.LoadLayerSet(gen.LayersFile)
	if err != nil {
		return nil, fmt.Errorf("loading layers: %w", err)
	}
	predictors, err := layers.PredictorSpecs(ctx, p.Registry, gen.MaxLayer)
	if err != nil {
		return nil, fmt.Errorf("resolving predictor specs: %w", err)
	}

	firstEvents, err := definer.OutcomeSeries(ctx, p.Config.Cohort.OutcomeName)
	if err != nil {
		return nil, fmt.Errorf("deriving outcome timestamps: %w", err)
	}
	outcomes, err := layers.OutcomeSpecs(ctx, outcomeResolver{SeriesResolver: p.Registry, firstEvents: firstEvents})
	if err != nil {
		return nil, fmt.Errorf("resolving outcome specs: %w", err)
	}

	specs := append(predictors, outcomes...)
	if err := features.CheckUniqueColumns(specs, p.Config.Project.Prefixes); err != nil {
		return nil, err
	}
	return specs, nil
}

// outcomeResolver serves outcome-purpose series from the first-event frames and
// everything else from the registry
type outcomeResolver struct {
	features.SeriesResolver
	firstEvents map[string]*domain.ValueSeries
}

func (r outcomeResolver) Series(ctx context.Context, loader string, purpose domain.TimestampPurpose) (*domain.ValueSeries, error) {
	if purpose != domain.PurposeOutcome {
		return r.SeriesResolver.Series(ctx, loader, purpose)
	}
	s, ok := r.firstEvents[loader]
	if !ok {
		return nil, domain.NewValidationError("outcomes", "must be listed in cohort.outcome_loaders or be cohort.outcome_name", loader)
	}
	return s, nil
}

// Run filters the prediction times, flattens every spec in chunks, splits the
// result by entity and writes the datasets. When an audit store is set the run and
// its filter steps are recorded there.
func (p *Pipeline) Run(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	gen := p.Config.Generation
	project := p.Config.Project
	summary = &Summary{FeatureSet: gen.FeatureSetName}
	logger := p.logger()

	var observers []cohort.StepObserver
	if p.Audit != nil {
		run, startErr := p.Audit.StartRun(ctx, "generate", gen.FeatureSetName)
		if startErr != nil {
			return nil, fmt.Errorf("starting audit run: %w", startErr)
		}
		summary.RunID = run.ID
		observers = append(observers, audit.Observer(p.Audit, run.ID, logger))
		defer func() {
			if ferr := p.Audit.FinishRun(context.WithoutCancel(ctx), run.ID, err); ferr != nil {
				logger.WithError(ferr).WithField("run_id", run.ID).Warn("Failed to finish audit run")
			}
		}()
	}

	log := logger.WithFields(logrus.Fields{"feature_set": gen.FeatureSetName, "run_id": summary.RunID})
	log.Info("Starting feature generation")

	definer, err := p.Cohort(observers...)
	if err != nil {
		return nil, err
	}
	bundle, err := definer.FilteredPredictionTimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("filtering prediction times: %w", err)
	}
	summary.PredictionTimes = len(bundle.PredictionTimes)
	summary.Steps = bundle.Steps

	specs, err := p.Specs(ctx, definer)
	if err != nil {
		return nil, err
	}
	summary.Specs = len(specs)

	engine := flatten.NewEngine(
		flatten.WithWorkers(gen.NWorkers),
		flatten.WithPrefixes(project.Prefixes),
		flatten.WithLogger(logger),
	)
	df, err := generate.NewGenerator(engine, logger).CreateFlattenedDatasetWithChunking(
		ctx, project, gen.FeatureSetName, bundle.PredictionTimes, specs, gen.ChunkSize)
	if err != nil {
		return nil, err
	}
	summary.Rows, summary.Columns = df.NumRows(), df.NumCols()

	outDir := project.FlattenedDatasetsDir(gen.FeatureSetName)
	if len(gen.Splits) == 0 {
		path := filepath.Join(outDir, UnsplitFileName)
		if err := storage.WriteFrame(path, df); err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeStorage, "write", "writing dataset", err)
		}
		summary.Files = []string{path}
	} else {
		ids, err := splitter.LoadIDs(ctx, gen.Splits, p.splitIDsDir(), p.SplitIDs)
		if err != nil {
			return nil, err
		}
		results, err := splitter.Split(df, ids, logger)
		if err != nil {
			return nil, err
		}
		if err := splitter.Write(outDir, results); err != nil {
			return nil, domain.NewPipelineError(domain.ErrCodeStorage, "write", "writing splits", err)
		}
		summary.Splits = results
		for _, r := range results {
			summary.Files = append(summary.Files, splitter.Path(outDir, r.Name))
		}
	}

	summary.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"prediction_times": summary.PredictionTimes,
		"specs":            summary.Specs,
		"rows":             summary.Rows,
		"columns":          summary.Columns,
		"files":            len(summary.Files),
		"duration_ms":      summary.Duration.Milliseconds(),
	}).Info("Finished feature generation")
	return summary, nil
}

func (p *Pipeline) splitIDsDir() string {
	dir := p.Config.Generation.SplitIDsDir
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.Config.Project.ProjectPath, dir)
}
