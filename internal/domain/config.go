package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Project    ProjectInfo      `mapstructure:"project"`
	Warehouse  WarehouseConfig  `mapstructure:"warehouse"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cohort     CohortConfig     `mapstructure:"cohort"`
	Generation GenerationConfig `mapstructure:"generation"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
}

// WarehouseConfig describes the SQL warehouse the raw loaders read from
type WarehouseConfig struct {
	Driver         string        `mapstructure:"driver"` // "pgx", "postgres" or "sqlite"
	DSN            string        `mapstructure:"dsn"`
	Schema         string        `mapstructure:"schema"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // queries per second, 0 disables
	BreakerEnabled bool          `mapstructure:"breaker_enabled"`
}

// DatabaseConfig represents the Postgres connection used by the pgx warehouse and the
// Postgres audit store
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig represents the loader result cache configuration
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"` // "dir", "redis", "memory" or "none"
	Dir        string        `mapstructure:"dir"`
	RedisURL   string        `mapstructure:"redis_url"`
	MaxItems   int           `mapstructure:"max_items"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	Version    string        `mapstructure:"version"` // bump to invalidate every entry
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CohortConfig holds the parameters of the standard eligibility filter steps
type CohortConfig struct {
	MinDate               time.Time `mapstructure:"min_date"`
	MaxDate               time.Time `mapstructure:"max_date"`
	DataEndDate           time.Time `mapstructure:"data_end_date"`
	MinAge                float64   `mapstructure:"min_age"`
	MaxAge                float64   `mapstructure:"max_age"`
	QuarantineDays        int       `mapstructure:"quarantine_days"`
	WashoutDays           int       `mapstructure:"washout_days"`
	LookaheadDays         int       `mapstructure:"lookahead_days"`
	OutcomeLoaders        []string  `mapstructure:"outcome_loaders"`
	OutcomeName           string    `mapstructure:"outcome_name"` // label name of the merged first event
	ExclusionLoaders      []string  `mapstructure:"exclusion_loaders"`
	QuarantineLoader      string    `mapstructure:"quarantine_loader"`
	PredictionTimesLoader string    `mapstructure:"prediction_times_loader"`
	BirthdaysLoader       string    `mapstructure:"birthdays_loader"`
}

// GenerationConfig controls the chunked feature generation
type GenerationConfig struct {
	FeatureSetName string   `mapstructure:"feature_set_name"`
	LayersFile     string   `mapstructure:"layers_file"`
	MaxLayer       int      `mapstructure:"max_layer"`
	ChunkSize      int      `mapstructure:"chunk_size"`
	NWorkers       int      `mapstructure:"n_workers"`
	Splits         []string `mapstructure:"splits"`
	SplitIDsDir    string   `mapstructure:"split_ids_dir"`
}

// AuditConfig selects where the filter-step audit trail is persisted
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// AlertingConfig controls the crash notification sent when a run fails
type AlertingConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	Channel         string `mapstructure:"channel"`
	Username        string `mapstructure:"username"`
}
