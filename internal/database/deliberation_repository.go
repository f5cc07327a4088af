package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// DeliberationRepository reads persisted deliberation rounds.
type DeliberationRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewDeliberationRepository(pool *pgxpool.Pool, log *logrus.Logger) *DeliberationRepository {
	return &DeliberationRepository{pool: pool, log: log}
}

// ListByRequest returns a request's deliberation rounds in round order.
func (r *DeliberationRepository) ListByRequest(ctx context.Context, requestID string) ([]models.DeliberationRound, error) {
	query := `
		SELECT round_number, exchanges
		FROM deliberation_rounds
		WHERE request_id = $1
		ORDER BY round_number ASC
	`

	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliberation rounds: %w", err)
	}
	defer rows.Close()

	rounds := []models.DeliberationRound{}
	for rows.Next() {
		var round models.DeliberationRound
		var exchangesJSON []byte
		if err := rows.Scan(&round.RoundNumber, &exchangesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan deliberation row: %w", err)
		}
		if err := json.Unmarshal(exchangesJSON, &round.Exchanges); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"request_id": requestID,
				"round":      round.RoundNumber,
			}).Warn("Unreadable exchanges on stored deliberation round")
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}
