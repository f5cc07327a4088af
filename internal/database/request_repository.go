package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// StoredRequest is a council request row as persisted by the event sink.
type StoredRequest struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	SessionID string    `json:"session_id,omitempty"`
	Context   string    `json:"context,omitempty"`
	Preset    string    `json:"preset,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestRepository reads persisted council requests.
type RequestRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewRequestRepository(pool *pgxpool.Pool, log *logrus.Logger) *RequestRepository {
	return &RequestRepository{pool: pool, log: log}
}

// GetByID retrieves a request by its id.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*StoredRequest, error) {
	query := `
		SELECT id, query, session_id, context, preset, created_at
		FROM council_requests
		WHERE id = $1
	`

	req := &StoredRequest{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.Query, &req.SessionID, &req.Context, &req.Preset, &req.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// ListRecent returns the newest requests, newest first.
func (r *RequestRepository) ListRecent(ctx context.Context, limit int) ([]*StoredRequest, error) {
	query := `
		SELECT id, query, session_id, context, preset, created_at
		FROM council_requests
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []*StoredRequest{}
	for rows.Next() {
		req := &StoredRequest{}
		if err := rows.Scan(&req.ID, &req.Query, &req.SessionID, &req.Context, &req.Preset, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
