package analytics

import (
	"context"
	"fmt"
	"time"
)

// MemberStats aggregates one member's activity over a window.
type MemberStats struct {
	MemberID       string  `json:"member_id"`
	Requests       int64   `json:"requests"`
	TotalCalls     int64   `json:"total_calls"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	AvgTokensPerRq float64 `json:"avg_tokens_per_request"`
}

// StrategyStats aggregates decision outcomes per synthesis strategy.
type StrategyStats struct {
	Strategy          string  `json:"strategy"`
	Decisions         int64   `json:"decisions"`
	AvgAgreement      float64 `json:"avg_agreement"`
	ConsensusRate     float64 `json:"consensus_rate"`
	FallbackRate      float64 `json:"fallback_rate"`
	EscalationRate    float64 `json:"escalation_rate"`
	AvgRounds         float64 `json:"avg_rounds"`
	TotalTokensSpared int64   `json:"total_tokens_spared"`
}

// DailyCost is one day's council spend.
type DailyCost struct {
	Day     time.Time `json:"day"`
	CostUSD float64   `json:"cost_usd"`
	Tokens  int64     `json:"tokens"`
}

// Reporter answers aggregation queries over the warehouse tables.
type Reporter struct {
	wh *Warehouse
}

func NewReporter(wh *Warehouse) *Reporter {
	return &Reporter{wh: wh}
}

// MemberPerformance aggregates per-member activity over the given window.
func (r *Reporter) MemberPerformance(ctx context.Context, window time.Duration) ([]MemberStats, error) {
	query := `
		SELECT
			member_id,
			COUNT(DISTINCT request_id) as requests,
			SUM(calls) as total_calls,
			AVG(latency_ms) as avg_latency_ms,
			quantile(0.95)(latency_ms) as p95_latency_ms,
			SUM(total_tokens) as total_tokens,
			SUM(cost_usd) as total_cost_usd,
			AVG(total_tokens) as avg_tokens_per_request
		FROM member_calls
		WHERE timestamp >= now() - INTERVAL ? SECOND
		GROUP BY member_id
		ORDER BY total_cost_usd DESC
	`

	rows, err := r.wh.conn.QueryContext(ctx, query, int64(window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("analytics: member performance: %w", err)
	}
	defer rows.Close()

	var stats []MemberStats
	for rows.Next() {
		var s MemberStats
		if err := rows.Scan(
			&s.MemberID, &s.Requests, &s.TotalCalls, &s.AvgLatencyMs,
			&s.P95LatencyMs, &s.TotalTokens, &s.TotalCostUSD, &s.AvgTokensPerRq,
		); err != nil {
			return nil, fmt.Errorf("analytics: scan member row: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// StrategyBreakdown aggregates decision outcomes per strategy over the
// given window.
func (r *Reporter) StrategyBreakdown(ctx context.Context, window time.Duration) ([]StrategyStats, error) {
	query := `
		SELECT
			strategy,
			COUNT(*) as decisions,
			AVG(agreement_level) as avg_agreement,
			AVG(CAST(consensus_achieved AS Float64)) as consensus_rate,
			AVG(CAST(fallback_used AS Float64)) as fallback_rate,
			AVG(CAST(escalated AS Float64)) as escalation_rate,
			AVG(total_rounds) as avg_rounds,
			SUM(tokens_avoided) as total_tokens_spared
		FROM council_decisions
		WHERE timestamp >= now() - INTERVAL ? SECOND
		GROUP BY strategy
		ORDER BY decisions DESC
	`

	rows, err := r.wh.conn.QueryContext(ctx, query, int64(window.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("analytics: strategy breakdown: %w", err)
	}
	defer rows.Close()

	var stats []StrategyStats
	for rows.Next() {
		var s StrategyStats
		if err := rows.Scan(
			&s.Strategy, &s.Decisions, &s.AvgAgreement, &s.ConsensusRate,
			&s.FallbackRate, &s.EscalationRate, &s.AvgRounds, &s.TotalTokensSpared,
		); err != nil {
			return nil, fmt.Errorf("analytics: scan strategy row: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// DailyCosts returns council spend per day, newest first.
func (r *Reporter) DailyCosts(ctx context.Context, days int) ([]DailyCost, error) {
	query := `
		SELECT
			toStartOfDay(timestamp) as day,
			SUM(cost_usd) as cost_usd,
			SUM(total_tokens) as tokens
		FROM member_calls
		WHERE timestamp >= now() - INTERVAL ? DAY
		GROUP BY day
		ORDER BY day DESC
		LIMIT ?
	`

	rows, err := r.wh.conn.QueryContext(ctx, query, days, days)
	if err != nil {
		return nil, fmt.Errorf("analytics: daily costs: %w", err)
	}
	defer rows.Close()

	var costs []DailyCost
	for rows.Next() {
		var c DailyCost
		if err := rows.Scan(&c.Day, &c.CostUSD, &c.Tokens); err != nil {
			return nil, fmt.Errorf("analytics: scan cost row: %w", err)
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}
