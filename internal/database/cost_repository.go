package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// CostRepository reads persisted per-member cost rows back into request
// metrics.
type CostRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewCostRepository(pool *pgxpool.Pool, log *logrus.Logger) *CostRepository {
	return &CostRepository{pool: pool, log: log}
}

// GetByRequest rebuilds the request's metrics from its cost rows.
func (r *CostRepository) GetByRequest(ctx context.Context, requestID string) (*models.RequestMetrics, error) {
	query := `
		SELECT council_member_id, calls, prompt_tokens, completion_tokens, total_tokens, latency_ms, cost_usd
		FROM request_costs
		WHERE request_id = $1
		ORDER BY council_member_id ASC
	`

	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get request costs: %w", err)
	}
	defer rows.Close()

	metrics := models.NewRequestMetrics(requestID)
	for rows.Next() {
		var memberID string
		mm := &models.MemberMetrics{}
		if err := rows.Scan(
			&memberID, &mm.Calls,
			&mm.TokenUsage.Prompt, &mm.TokenUsage.Completion, &mm.TokenUsage.Total,
			&mm.LatencyMs, &mm.CostUSD,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cost row: %w", err)
		}
		metrics.Members[memberID] = mm
		metrics.TotalTokens = metrics.TotalTokens.Add(mm.TokenUsage)
	}
	return metrics, rows.Err()
}

// TotalCostUSD sums spend across all requests since the given interval,
// expressed in Postgres interval syntax like '24 hours'.
func (r *CostRepository) TotalCostUSD(ctx context.Context, interval string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM request_costs
		WHERE created_at >= NOW() - $1::interval
	`

	var total float64
	if err := r.pool.QueryRow(ctx, query, interval).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to total costs: %w", err)
	}
	return total, nil
}
