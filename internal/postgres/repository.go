package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS activity_records (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			entries JSONB NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			score JSONB,
			scored_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS rankings (
			period VARCHAR(16) NOT NULL,
			category VARCHAR(16) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			rank INT NOT NULL DEFAULT 0,
			percentile DOUBLE PRECISION NOT NULL DEFAULT 0,
			tier VARCHAR(32) NOT NULL DEFAULT '',
			division INT NOT NULL DEFAULT 0,
			calculated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (period, category, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS peer_group_members (
			user_id VARCHAR(64) PRIMARY KEY,
			group_id VARCHAR(64) NOT NULL,
			joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_records_user_ts ON activity_records(user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_records_ts ON activity_records(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_rankings_rank ON rankings(period, category, rank)`,
		`CREATE INDEX IF NOT EXISTS idx_rankings_user ON rankings(user_id, period)`,
		`CREATE INDEX IF NOT EXISTS idx_rankings_calculated ON rankings(period, calculated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_peer_group_members_group ON peer_group_members(group_id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}
