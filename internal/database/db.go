// Package database owns the Postgres connection pool, schema migrations,
// and the repositories serving the persisted council audit trail.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/config"
)

// ErrNotFound reports that a requested row does not exist. Callers match it
// with errors.Is to separate missing data from query failures.
var ErrNotFound = errors.New("not found")

// Postgres wraps a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// Connect opens a pool against the configured database and verifies the
// connection.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*Postgres, error) {
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host": cfg.Host,
		"name": cfg.Name,
	}).Info("Connected to PostgreSQL")
	return &Postgres{pool: pool, log: log}, nil
}

// Pool returns the underlying connection pool for repositories and sinks.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// RunMigrations applies the council schema. Statements are idempotent, so
// running them on every start is safe.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("database: migration failed: %w", err)
		}
	}
	p.log.WithField("statements", len(migrations)).Info("Database migrations applied")
	return nil
}

// HealthCheck pings with a short deadline for liveness endpoints.
func (p *Postgres) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

	`CREATE TABLE IF NOT EXISTS council_requests (
		id UUID PRIMARY KEY,
		query TEXT NOT NULL,
		session_id VARCHAR(255) NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		preset VARCHAR(100) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS council_responses (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		request_id UUID NOT NULL,
		council_member_id VARCHAR(255) NOT NULL,
		content TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS deliberation_rounds (
		id BIGSERIAL PRIMARY KEY,
		request_id UUID NOT NULL,
		round_number INTEGER NOT NULL,
		exchanges JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS consensus_decisions (
		request_id UUID PRIMARY KEY,
		content TEXT NOT NULL,
		confidence VARCHAR(20) NOT NULL,
		agreement_level DOUBLE PRECISION NOT NULL DEFAULT 0,
		synthesis_strategy VARCHAR(50) NOT NULL,
		contributing_members TEXT[] NOT NULL DEFAULT '{}',
		iterative_metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS request_costs (
		id BIGSERIAL PRIMARY KEY,
		request_id UUID NOT NULL,
		council_member_id VARCHAR(255) NOT NULL,
		calls INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS provider_failures (
		id BIGSERIAL PRIMARY KEY,
		provider_id VARCHAR(255) NOT NULL,
		kind VARCHAR(50) NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS negotiation_rounds (
		id BIGSERIAL PRIMARY KEY,
		request_id UUID NOT NULL,
		round_number INTEGER NOT NULL,
		avg_similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS negotiation_responses (
		id BIGSERIAL PRIMARY KEY,
		request_id UUID NOT NULL,
		round_number INTEGER NOT NULL,
		council_member_id VARCHAR(255) NOT NULL,
		content TEXT NOT NULL,
		agrees_with_member_id VARCHAR(255) NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS consensus_metadata (
		request_id UUID PRIMARY KEY,
		total_rounds INTEGER NOT NULL DEFAULT 0,
		similarity_progression DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
		consensus_achieved BOOLEAN NOT NULL DEFAULT FALSE,
		fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
		fallback_reason TEXT NOT NULL DEFAULT '',
		deadlock_detected BOOLEAN NOT NULL DEFAULT FALSE,
		human_escalation_triggered BOOLEAN NOT NULL DEFAULT FALSE,
		quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		rounds_skipped INTEGER NOT NULL DEFAULT 0,
		tokens_avoided INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS negotiation_examples (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		query TEXT NOT NULL,
		summary TEXT NOT NULL,
		outcome VARCHAR(50) NOT NULL DEFAULT 'consensus',
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_council_requests_session_id ON council_requests(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_council_requests_created_at ON council_requests(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_council_responses_request_id ON council_responses(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deliberation_rounds_request_id ON deliberation_rounds(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_request_costs_request_id ON request_costs(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_provider_failures_provider_id ON provider_failures(provider_id)`,
	`CREATE INDEX IF NOT EXISTS idx_negotiation_rounds_request_id ON negotiation_rounds(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_negotiation_responses_request_id ON negotiation_responses(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_negotiation_examples_fts ON negotiation_examples
		USING GIN (to_tsvector('english', query || ' ' || summary))`,
}
