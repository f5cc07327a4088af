package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// ResponseRepository reads persisted per-member council responses.
type ResponseRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewResponseRepository(pool *pgxpool.Pool, log *logrus.Logger) *ResponseRepository {
	return &ResponseRepository{pool: pool, log: log}
}

// ListByRequest returns a request's round-0 responses ordered by member id.
func (r *ResponseRepository) ListByRequest(ctx context.Context, requestID string) ([]*models.ProviderResponse, error) {
	query := `
		SELECT council_member_id, content, prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		FROM council_responses
		WHERE request_id = $1
		ORDER BY council_member_id ASC
	`

	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	responses := []*models.ProviderResponse{}
	for rows.Next() {
		resp := &models.ProviderResponse{}
		if err := rows.Scan(
			&resp.CouncilMemberID, &resp.Content,
			&resp.TokenUsage.Prompt, &resp.TokenUsage.Completion, &resp.TokenUsage.Total,
			&resp.LatencyMs, &resp.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}
