// Package config loads the pipeline configuration from a YAML file, PSYCOP_*
// environment variables and defaults.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/psycop-feature-generation/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

var _ domain.ConfigManager = (*Manager)(nil)

// Option configures the Manager
type Option func(*Manager)

// WithConfigFile reads the given file instead of searching for config.yaml
func WithConfigFile(path string) Option {
	return func(m *Manager) { m.configFile = path }
}

// NewManager creates a new configuration manager
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/psycop-feature-generation/")
	}

	v.SetEnvPrefix("PSYCOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read configuration file (optional when searching - defaults and env vars apply)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || m.configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		dateHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// dateHook decodes dates written as YYYY-MM-DD or RFC 3339. Empty strings decode
// to the zero time, which disables the corresponding filter.
func dateHook() mapstructure.DecodeHookFuncType {
	timeType := reflect.TypeOf(time.Time{})
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != timeType || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{"2006-01-02", time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
}

func setDefaults(v *viper.Viper) {
	// Project defaults
	v.SetDefault("project.name", "psycop")
	v.SetDefault("project.project_path", ".")
	v.SetDefault("project.prefixes.predictor", "pred")
	v.SetDefault("project.prefixes.outcome", "outc")
	v.SetDefault("project.prefixes.eval", "eval")

	// Warehouse defaults
	v.SetDefault("warehouse.driver", "postgres")
	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("warehouse.schema", "fct")
	v.SetDefault("warehouse.query_timeout", "30m")
	v.SetDefault("warehouse.rate_limit", 0)
	v.SetDefault("warehouse.breaker_enabled", true)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "psycop")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	// Cache defaults
	v.SetDefault("cache.backend", "dir")
	v.SetDefault("cache.dir", ".cache/loaders")
	v.SetDefault("cache.redis_url", "redis://localhost:6379")
	v.SetDefault("cache.max_items", 64)
	v.SetDefault("cache.default_ttl", "168h")
	v.SetDefault("cache.version", "v1")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Cohort defaults
	v.SetDefault("cohort.min_date", "2013-01-01")
	v.SetDefault("cohort.max_date", "")
	v.SetDefault("cohort.data_end_date", "")
	v.SetDefault("cohort.min_age", 18)
	v.SetDefault("cohort.max_age", 99)
	v.SetDefault("cohort.quarantine_days", 730)
	v.SetDefault("cohort.washout_days", 0)
	v.SetDefault("cohort.lookahead_days", 0)
	v.SetDefault("cohort.outcome_loaders", []string{"t2d"})
	v.SetDefault("cohort.outcome_name", "")
	v.SetDefault("cohort.exclusion_loaders", []string{})
	v.SetDefault("cohort.quarantine_loader", "moves_from_region")
	v.SetDefault("cohort.prediction_times_loader", "physical_visits")
	v.SetDefault("cohort.birthdays_loader", "birthdays")

	// Generation defaults
	v.SetDefault("generation.feature_set_name", "default")
	v.SetDefault("generation.layers_file", "")
	v.SetDefault("generation.max_layer", 0)
	v.SetDefault("generation.chunk_size", 250)
	v.SetDefault("generation.n_workers", 0)
	v.SetDefault("generation.splits", []string{"train", "val", "test"})
	v.SetDefault("generation.split_ids_dir", "splits")

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.driver", "sqlite")
	v.SetDefault("audit.path", "audit.db")
	v.SetDefault("audit.dsn", "")

	// Alerting defaults
	v.SetDefault("alerting.slack_webhook_url", "")
	v.SetDefault("alerting.channel", "")
	v.SetDefault("alerting.username", "psycop-flatten")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetProjectInfo returns the project description
func (m *Manager) GetProjectInfo() domain.ProjectInfo {
	return m.config.Project
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetWarehouseConfig returns warehouse configuration
func (m *Manager) GetWarehouseConfig() *domain.WarehouseConfig {
	return &m.config.Warehouse
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Project
	if config.Project.ProjectPath == "" {
		return domain.NewValidationError("project.project_path", "is required", "")
	}
	p := config.Project.Prefixes
	if p.Predictor == "" || p.Outcome == "" || p.Eval == "" {
		return domain.NewValidationError("project.prefixes", "all prefixes are required", p)
	}
	if p.Predictor == p.Outcome || p.Predictor == p.Eval || p.Outcome == p.Eval {
		return domain.NewValidationError("project.prefixes", "prefixes must be distinct", p)
	}
	all := []string{p.Predictor, p.Outcome, p.Eval}
	for _, a := range all {
		for _, b := range all {
			if a != b && strings.HasPrefix(b, a+"_") {
				return domain.NewValidationError("project.prefixes", fmt.Sprintf("%q is nested in %q", a, b), p)
			}
		}
	}

	// Warehouse
	switch config.Warehouse.Driver {
	case "pgx", "postgres", "sqlite":
	default:
		return domain.NewValidationError("warehouse.driver", "must be one of pgx, postgres, sqlite", config.Warehouse.Driver)
	}
	if config.Warehouse.RateLimit < 0 {
		return domain.NewValidationError("warehouse.rate_limit", "must not be negative", config.Warehouse.RateLimit)
	}

	// Cache
	switch config.Cache.Backend {
	case "dir", "redis", "memory", "none":
	default:
		return domain.NewValidationError("cache.backend", "must be one of dir, redis, memory, none", config.Cache.Backend)
	}
	if config.Cache.Backend == "redis" && config.Cache.RedisURL == "" {
		return domain.NewValidationError("cache.redis_url", "is required for the redis backend", "")
	}

	// Cohort
	c := config.Cohort
	if c.MaxAge > 0 && c.MinAge > c.MaxAge {
		return domain.NewValidationError("cohort.min_age", "exceeds max_age", c.MinAge)
	}
	if !c.MinDate.IsZero() && !c.MaxDate.IsZero() && c.MaxDate.Before(c.MinDate) {
		return domain.NewValidationError("cohort.max_date", "is before min_date", c.MaxDate.Format("2006-01-02"))
	}
	if c.QuarantineDays < 0 || c.WashoutDays < 0 || c.LookaheadDays < 0 {
		return domain.NewValidationError("cohort", "day counts must not be negative", c)
	}

	// Generation
	if config.Generation.ChunkSize < 0 {
		return domain.NewValidationError("generation.chunk_size", "must not be negative", config.Generation.ChunkSize)
	}
	if config.Generation.NWorkers < 0 {
		return domain.NewValidationError("generation.n_workers", "must not be negative", config.Generation.NWorkers)
	}
	if config.Generation.FeatureSetName == "" {
		return domain.NewValidationError("generation.feature_set_name", "is required", "")
	}

	// Audit
	if config.Audit.Enabled {
		switch config.Audit.Driver {
		case "sqlite", "postgres":
		default:
			return domain.NewValidationError("audit.driver", "must be sqlite or postgres", config.Audit.Driver)
		}
	}

	// Logging
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return domain.NewValidationError("logging.level", "invalid log level", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database as a postgres:// URL, the form golang-migrate expects
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}
