// Package warehouse runs raw loader queries against the SQL warehouse. Queries are
// written with ? placeholders; queriers for Postgres rebind them.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/psycop-feature-generation/internal/database"
	"github.com/psycop-feature-generation/internal/domain"
)

// Scanner reads the columns of the current row
type Scanner interface {
	Scan(dest ...interface{}) error
}

// Querier runs a query and calls scan once per result row
type Querier interface {
	Query(ctx context.Context, query string, args []interface{}, scan func(Scanner) error) error
	Close() error
}

// SQLQuerier runs queries through database/sql
type SQLQuerier struct {
	db     *sql.DB
	dollar bool
}

// NewSQLQuerier wraps an open database. driver selects the placeholder style.
func NewSQLQuerier(db *sql.DB, driver string) *SQLQuerier {
	return &SQLQuerier{db: db, dollar: driver == "postgres" || driver == "pgx"}
}

// Query implements Querier
func (q *SQLQuerier) Query(ctx context.Context, query string, args []interface{}, scan func(Scanner) error) error {
	if q.dollar {
		query = database.Rebind(query)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
	}
	return rows.Err()
}

// Close closes the database
func (q *SQLQuerier) Close() error {
	return q.db.Close()
}

// PgxQuerier runs queries on a pgx connection pool
type PgxQuerier struct {
	db *database.DB
}

// NewPgxQuerier wraps a pool
func NewPgxQuerier(db *database.DB) *PgxQuerier {
	return &PgxQuerier{db: db}
}

// Query implements Querier
func (q *PgxQuerier) Query(ctx context.Context, query string, args []interface{}, scan func(Scanner) error) error {
	rows, err := q.db.Pool.Query(ctx, database.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
	}
	return rows.Err()
}

// Close closes the pool
func (q *PgxQuerier) Close() error {
	q.db.Close()
	return nil
}

// Open connects to the configured warehouse and wraps the connection in a Guarded
// querier. The pgx driver uses the database section; the postgres and sqlite drivers
// use the warehouse DSN.
func Open(ctx context.Context, cfg domain.WarehouseConfig, dbCfg domain.DatabaseConfig, logger *logrus.Logger) (*Guarded, error) {
	var inner Querier
	switch cfg.Driver {
	case "pgx":
		db, err := database.NewConnection(ctx, database.ConfigFromDomain(dbCfg), logger)
		if err != nil {
			return nil, err
		}
		inner = NewPgxQuerier(db)
	case "postgres", "sqlite":
		dsn := cfg.DSN
		if dsn == "" && cfg.Driver == "postgres" {
			dsn = database.ConfigFromDomain(dbCfg).DSN()
		}
		db, err := sql.Open(cfg.Driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening warehouse: %w", err)
		}
		if dbCfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(dbCfg.MaxOpenConns)
		}
		db.SetMaxIdleConns(dbCfg.MaxIdleConns)
		db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging warehouse: %w", err)
		}
		inner = NewSQLQuerier(db, cfg.Driver)
	default:
		return nil, domain.NewValidationError("warehouse.driver", "must be one of pgx, postgres, sqlite", cfg.Driver)
	}
	return NewGuarded(inner, cfg, logger), nil
}
