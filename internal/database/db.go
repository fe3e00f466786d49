package database

import (
	"context"
	"fmt"
	"time"

	"bot-execution-core/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Querier is the subset of pgxpool.Pool the repositories use
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS bot_trades (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		bot_id VARCHAR(64) NOT NULL,
		contract_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(4) NOT NULL,
		stake DECIMAL(20, 8) NOT NULL,
		payout DECIMAL(20, 8),
		entry_price DECIMAL(20, 8),
		exit_price DECIMAL(20, 8),
		profit_loss DECIMAL(20, 8),
		balance_after DECIMAL(20, 8),
		status VARCHAR(10) NOT NULL DEFAULT 'open',
		opened_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (bot_id, contract_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_trades_user_opened ON bot_trades(user_id, opened_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bot_trades_status ON bot_trades(status)`,

	`CREATE TABLE IF NOT EXISTS user_trade_limits (
		user_id VARCHAR(64) PRIMARY KEY,
		max_stake DECIMAL(20, 8) NOT NULL DEFAULT 0,
		max_daily_trades INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
}

// RunMigrations creates the trade log and limits tables
func (db *DB) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, db.Pool, db.logger)
}

func runMigrations(ctx context.Context, q Querier, logger zerolog.Logger) error {
	logger.Info().Int("count", len(migrations)).Msg("Running database migrations")
	for i, stmt := range migrations {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
