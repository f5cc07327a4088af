package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// StoredDecision is a consensus decision row joined back into its model form.
type StoredDecision struct {
	RequestID string                    `json:"request_id"`
	Decision  *models.ConsensusDecision `json:"decision"`
	CreatedAt time.Time                 `json:"created_at"`
}

// DecisionRepository reads persisted consensus decisions.
type DecisionRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewDecisionRepository(pool *pgxpool.Pool, log *logrus.Logger) *DecisionRepository {
	return &DecisionRepository{pool: pool, log: log}
}

// GetByRequest retrieves the decision for a request id.
func (r *DecisionRepository) GetByRequest(ctx context.Context, requestID string) (*StoredDecision, error) {
	query := `
		SELECT request_id, content, confidence, agreement_level, synthesis_strategy, contributing_members, iterative_metadata, created_at
		FROM consensus_decisions
		WHERE request_id = $1
	`

	stored := &StoredDecision{Decision: &models.ConsensusDecision{}}
	var confidence string
	var metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, requestID).Scan(
		&stored.RequestID, &stored.Decision.Content, &confidence,
		&stored.Decision.AgreementLevel, &stored.Decision.SynthesisStrategy,
		&stored.Decision.ContributingMembers, &metadataJSON, &stored.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("decision for request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}

	stored.Decision.Confidence = models.Confidence(confidence)
	stored.Decision.Timestamp = stored.CreatedAt
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		meta := &models.ConsensusMetadata{}
		if err := json.Unmarshal(metadataJSON, meta); err == nil {
			stored.Decision.IterativeMetadata = meta
		} else {
			r.log.WithError(err).WithField("request_id", requestID).
				Warn("Unreadable iterative metadata on stored decision")
		}
	}
	return stored, nil
}
