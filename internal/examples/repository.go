// Package examples serves past negotiation outcomes for prompt grounding.
// Lookups are keyword-ranked in Postgres; a Redis read-through cache keeps
// repeated queries off the database.
package examples

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// PostgresRepository ranks stored examples against a query with Postgres
// full-text search.
type PostgresRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewPostgresRepository(pool *pgxpool.Pool, log *logrus.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, log: log}
}

// Relevant returns up to k examples ranked by keyword match against the
// query, successful outcomes first within equal rank.
func (r *PostgresRepository) Relevant(ctx context.Context, query string, k int) ([]models.NegotiationExample, error) {
	if k <= 0 {
		return nil, nil
	}

	sql := `
		SELECT id, query, summary, outcome, score, created_at
		FROM negotiation_examples
		WHERE to_tsvector('english', query || ' ' || summary) @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(to_tsvector('english', query || ' ' || summary), plainto_tsquery('english', $1)) DESC,
			score DESC, created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, sql, query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to rank examples: %w", err)
	}
	defer rows.Close()

	examples := []models.NegotiationExample{}
	for rows.Next() {
		var ex models.NegotiationExample
		if err := rows.Scan(&ex.ID, &ex.Query, &ex.Summary, &ex.Outcome, &ex.Score, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan example row: %w", err)
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

// Store archives one negotiation outcome for future grounding.
func (r *PostgresRepository) Store(ctx context.Context, ex *models.NegotiationExample) error {
	sql := `
		INSERT INTO negotiation_examples (query, summary, outcome, score)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, sql, ex.Query, ex.Summary, ex.Outcome, ex.Score).
		Scan(&ex.ID, &ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store example: %w", err)
	}
	return nil
}
