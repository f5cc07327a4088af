// Package analytics streams council outcomes into ClickHouse for
// time-series reporting. The hot path never blocks on it; writes arrive
// through an event sink that logs and swallows failures.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/config"
)

// DecisionRow is one completed council decision.
type DecisionRow struct {
	RequestID           string
	Timestamp           time.Time
	Strategy            string
	Confidence          string
	AgreementLevel      float64
	ContributingMembers int
	TotalRounds         int
	ConsensusAchieved   bool
	FallbackUsed        bool
	Escalated           bool
	QualityScore        float64
	TokensAvoided       int
}

// MemberCallRow aggregates one member's activity within one request.
type MemberCallRow struct {
	RequestID        string
	MemberID         string
	Timestamp        time.Time
	Calls            int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	CostUSD          float64
}

// Warehouse writes council analytics rows to ClickHouse.
type Warehouse struct {
	conn *sql.DB
	log  *logrus.Logger
}

// NewWarehouse connects to ClickHouse and verifies the connection.
func NewWarehouse(cfg config.ClickHouseConfig, log *logrus.Logger) (*Warehouse, error) {
	if log == nil {
		log = logrus.New()
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s?secure=false&dial_timeout=%s",
		cfg.Username, cfg.Password, cfg.Addr, cfg.Database, cfg.DialTimeout)

	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}

	log.WithFields(logrus.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("ClickHouse warehouse initialized")

	return &Warehouse{conn: conn, log: log}, nil
}

// EnsureSchema creates the analytics tables when missing.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := w.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("analytics: ensure schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS council_decisions (
		request_id String,
		timestamp DateTime,
		strategy LowCardinality(String),
		confidence LowCardinality(String),
		agreement_level Float64,
		contributing_members UInt8,
		total_rounds UInt8,
		consensus_achieved UInt8,
		fallback_used UInt8,
		escalated UInt8,
		quality_score Float64,
		tokens_avoided UInt32
	) ENGINE = MergeTree()
	ORDER BY (timestamp, request_id)`,

	`CREATE TABLE IF NOT EXISTS member_calls (
		request_id String,
		member_id LowCardinality(String),
		timestamp DateTime,
		calls UInt16,
		prompt_tokens UInt32,
		completion_tokens UInt32,
		total_tokens UInt32,
		latency_ms Int64,
		cost_usd Float64
	) ENGINE = MergeTree()
	ORDER BY (timestamp, member_id)`,
}

// RecordDecision inserts one decision row.
func (w *Warehouse) RecordDecision(ctx context.Context, row DecisionRow) error {
	query := `
		INSERT INTO council_decisions (
			request_id, timestamp, strategy, confidence, agreement_level,
			contributing_members, total_rounds, consensus_achieved,
			fallback_used, escalated, quality_score, tokens_avoided
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := w.conn.ExecContext(ctx, query,
		row.RequestID, row.Timestamp, row.Strategy, row.Confidence,
		row.AgreementLevel, row.ContributingMembers, row.TotalRounds,
		row.ConsensusAchieved, row.FallbackUsed, row.Escalated,
		row.QualityScore, row.TokensAvoided,
	)
	if err != nil {
		return fmt.Errorf("analytics: insert decision: %w", err)
	}
	return nil
}

// RecordMemberCalls batch-inserts member activity rows inside one
// transaction.
func (w *Warehouse) RecordMemberCalls(ctx context.Context, rows []MemberCallRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO member_calls (
			request_id, member_id, timestamp, calls, prompt_tokens,
			completion_tokens, total_tokens, latency_ms, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.RequestID, row.MemberID, row.Timestamp, row.Calls,
			row.PromptTokens, row.CompletionTokens, row.TotalTokens,
			row.LatencyMs, row.CostUSD,
		)
		if err != nil {
			return fmt.Errorf("analytics: insert member row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit batch: %w", err)
	}

	w.log.WithField("rows", len(rows)).Debug("Member call batch stored")
	return nil
}

// Close closes the ClickHouse connection.
func (w *Warehouse) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
