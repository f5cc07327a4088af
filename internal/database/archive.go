package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// RequestDetail is the full persisted record of one council request: the
// request itself, the member responses, the decision, the cost metrics, and
// any deliberation rounds.
type RequestDetail struct {
	Request   *StoredRequest             `json:"request"`
	Responses []*models.ProviderResponse `json:"responses"`
	Decision  *models.ConsensusDecision  `json:"decision,omitempty"`
	Metrics   *models.RequestMetrics     `json:"metrics,omitempty"`
	Rounds    []models.DeliberationRound `json:"rounds,omitempty"`
}

// Archive composes the council repositories into whole-request reads for the
// API. Rows land through the event sink, so a request observed mid-flight may
// have responses but no decision yet; those fields stay nil without error.
type Archive struct {
	requests      *RequestRepository
	responses     *ResponseRepository
	decisions     *DecisionRepository
	costs         *CostRepository
	deliberations *DeliberationRepository
}

// NewArchive builds an archive with repositories sharing the given pool.
func NewArchive(pool *pgxpool.Pool, log *logrus.Logger) *Archive {
	return &Archive{
		requests:      NewRequestRepository(pool, log),
		responses:     NewResponseRepository(pool, log),
		decisions:     NewDecisionRepository(pool, log),
		costs:         NewCostRepository(pool, log),
		deliberations: NewDeliberationRepository(pool, log),
	}
}

// Detail loads everything persisted for a request id. An unknown id returns
// ErrNotFound; a known request with missing decision or cost rows returns
// the detail with those fields nil.
func (a *Archive) Detail(ctx context.Context, id string) (*RequestDetail, error) {
	req, err := a.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &RequestDetail{Request: req}

	detail.Responses, err = a.responses.ListByRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("archive: responses for %s: %w", id, err)
	}

	stored, err := a.decisions.GetByRequest(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		// Still deliberating, or the run failed before a decision.
	case err != nil:
		return nil, fmt.Errorf("archive: decision for %s: %w", id, err)
	default:
		detail.Decision = stored.Decision
	}

	metrics, err := a.costs.GetByRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("archive: costs for %s: %w", id, err)
	}
	if len(metrics.Members) > 0 {
		detail.Metrics = metrics
	}

	detail.Rounds, err = a.deliberations.ListByRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("archive: rounds for %s: %w", id, err)
	}

	return detail, nil
}

// Recent lists the newest persisted requests, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]*StoredRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return a.requests.ListRecent(ctx, limit)
}
