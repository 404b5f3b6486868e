package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/psycop-feature-generation/internal/domain"
)

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:            "warehouse",
		Port:            5433,
		Database:        "psycop",
		Username:        "reader",
		Password:        "secret",
		MaxOpenConns:    2,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})

	assert.Equal(t, int32(2), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns, "min conns are capped at max conns")
	assert.Equal(t, time.Hour, cfg.MaxConnLife)
	assert.Equal(t, "host=warehouse port=5433 dbname=psycop user=reader password=secret sslmode=disable", cfg.DSN())

	assert.Equal(t, int32(4), ConfigFromDomain(domain.DatabaseConfig{}).MaxConns)
}

func startPostgres(t *testing.T) (Config, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    "testpass",
		MaxConns:    4,
		MinConns:    1,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		SSLMode:     "disable",
	}
	url := fmt.Sprintf("postgres://testuser:testpass@%s:%d/testdb?sslmode=disable", host, port.Int())
	return config, url
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestDatabaseConnectionAndMigrations(t *testing.T) {
	config, url := startPostgres(t)
	ctx := context.Background()
	logger := quietLogger()

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))
	assert.NotZero(t, db.Stats().TotalConns())

	require.NoError(t, Migrate(ctx, url, logger))
	require.NoError(t, Migrate(ctx, url, logger), "re-running is a no-op")

	var n int
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('pipeline_runs', 'filter_steps')`,
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mr, err := NewMigrationRunner(url, logger)
	require.NoError(t, err)
	defer mr.Close()
	version, dirty, err := mr.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	require.NoError(t, mr.Down(ctx))
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'pipeline_runs'`,
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
