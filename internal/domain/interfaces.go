package domain

import (
	"context"
)

// Loader returns a raw value series for one clinical concept. Implementations must
// deduplicate on (entity_id, timestamp, value) before returning.
type Loader interface {
	Name() string
	Load(ctx context.Context, params LoadParams) (*ValueSeries, error)
}

// PredictionTimesLoader returns candidate prediction times, e.g. hospital visits
type PredictionTimesLoader interface {
	LoadPredictionTimes(ctx context.Context, params LoadParams) ([]PredictionTime, error)
}

// StaticLoader returns one non-temporal value per entity
type StaticLoader interface {
	Name() string
	LoadStatic(ctx context.Context) ([]StaticValue, error)
}

// SplitIDsLoader returns the entity ids of a named split (train, val, test)
type SplitIDsLoader interface {
	LoadSplitIDs(ctx context.Context, split string) ([]int64, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetProjectInfo() ProjectInfo
	GetDatabaseConfig() *DatabaseConfig
	GetWarehouseConfig() *WarehouseConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
}
