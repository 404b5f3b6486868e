package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/psycop-feature-generation/internal/cohort"
	"github.com/psycop-feature-generation/internal/database"
	"github.com/psycop-feature-generation/internal/domain"
)

// Open returns the store selected by the audit configuration. The Postgres schema is
// migrated before the store is returned.
func Open(ctx context.Context, cfg domain.AuditConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		if err := database.Migrate(ctx, cfg.DSN, logger); err != nil {
			return nil, fmt.Errorf("migrating audit schema: %w", err)
		}
		return NewPostgresStoreFromURL(cfg.DSN)
	}
	return nil, domain.NewValidationError("audit.driver", "must be sqlite or postgres", cfg.Driver)
}

// Observer records every filter step of a cohort run in the store. Storage failures are
// logged and never abort the pipeline.
func Observer(store Store, runID string, logger *logrus.Logger) cohort.StepObserver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(ctx context.Context, step cohort.FilterStep) {
		if err := store.RecordStep(ctx, runID, step); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"run_id": runID,
				"step":   step.StepName,
			}).Warn("Failed to record filter step")
		}
	}
}
