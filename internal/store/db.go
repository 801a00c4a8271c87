// Package store persists bar history, run reports and champion
// configurations. PostgreSQL holds the durable data; Redis caches the
// named champion configuration layers consumed by the config resolver.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"strategy-replay-engine/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "store").Logger()
	log.Info().Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(28, 8) NOT NULL,
			PRIMARY KEY (symbol, timeframe, open_time)
		)`,

		`CREATE TABLE IF NOT EXISTS reports (
			run_id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			htf_timeframe VARCHAR(8),
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			total_bars INT NOT NULL,
			warmup_bars INT NOT NULL,
			skipped_bars INT NOT NULL,
			canceled BOOLEAN NOT NULL DEFAULT FALSE,
			starting_capital DECIMAL(20, 8) NOT NULL,
			final_equity DECIMAL(20, 8) NOT NULL,
			total_return_pct DECIMAL(12, 6) NOT NULL,
			num_trades INT NOT NULL,
			win_rate DECIMAL(8, 4) NOT NULL,
			profit_factor DOUBLE PRECISION NOT NULL,
			max_drawdown_pct DECIMAL(12, 6) NOT NULL,
			sharpe_ratio DOUBLE PRECISION NOT NULL,
			sortino_ratio DOUBLE PRECISION NOT NULL,
			total_commission DECIMAL(20, 8) NOT NULL,
			config JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS report_trades (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES reports(run_id) ON DELETE CASCADE,
			position_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			size DECIMAL(28, 10) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(12, 6) NOT NULL,
			commission DECIMAL(20, 8) NOT NULL,
			exit_reason VARCHAR(40) NOT NULL,
			partial BOOLEAN NOT NULL,
			remaining_size DECIMAL(28, 10) NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS champions (
			name VARCHAR(64) PRIMARY KEY,
			config JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_report_trades_run ON report_trades(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_symbol ON reports(symbol, created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.log.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}
