// Package database persists trading sessions, the banking ledger and
// strategy records in PostgreSQL, with an in-memory store for development
// and tests and a Redis lease that keeps two processes off one session.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trading-autopilot/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// Config holds connection settings. DSN, when set, wins over the fields.
type Config struct {
	Enabled  bool   `json:"enabled"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
	MinConns int32  `json:"min_conns"`
}

func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// NewDB opens and pings the pool.
func NewDB(ctx context.Context, cfg Config, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger = logger.WithComponent("database")
	logger.Info("Connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trading_sessions (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		name VARCHAR(128) NOT NULL,
		mode VARCHAR(8) NOT NULL DEFAULT 'paper',
		strategy_id UUID,
		symbol VARCHAR(32) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		strategy_config JSONB NOT NULL,
		risk_config JSONB NOT NULL,
		position_state JSONB NOT NULL DEFAULT '{}',
		metrics JSONB NOT NULL DEFAULT '{}',
		started_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_sessions_active ON trading_sessions(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_sessions_user ON trading_sessions(user_id)`,

	`CREATE TABLE IF NOT EXISTS banking_records (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		amount DECIMAL(20, 8) NOT NULL,
		total_profit DECIMAL(20, 8) NOT NULL,
		balance_before DECIMAL(20, 8) NOT NULL,
		balance_after DECIMAL(20, 8) NOT NULL,
		transfer_id VARCHAR(64),
		status VARCHAR(16) NOT NULL,
		trigger VARCHAR(16) NOT NULL,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_banking_records_ts ON banking_records(ts DESC)`,

	`CREATE TABLE IF NOT EXISTS strategies (
		id UUID PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		status VARCHAR(16) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		generation INT NOT NULL DEFAULT 0,
		fitness DOUBLE PRECISION NOT NULL DEFAULT 0,
		document JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_generation ON strategies(generation)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR(64) PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// RunMigrations creates the schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("Running database migrations", "count", len(migrations))
	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info("Database migrations completed")
	return nil
}
