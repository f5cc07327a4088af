package models

import "time"

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDisabled HealthStatus = "disabled"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConfidenceFor discretizes an agreement level.
func ConfidenceFor(agreement float64) Confidence {
	switch {
	case agreement >= 0.8:
		return ConfidenceHigh
	case agreement >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

type CouncilMember struct {
	ID                  string      `json:"id" yaml:"id"`
	Provider            string      `json:"provider" yaml:"provider"`
	Model               string      `json:"model" yaml:"model"`
	TimeoutSec          float64     `json:"timeout_sec" yaml:"timeout_sec"`
	RetryPolicy         RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
	Weight              float64     `json:"weight" yaml:"weight"`
	CostPer1KTokensUSD  float64     `json:"cost_per_1k_tokens_usd" yaml:"cost_per_1k_tokens_usd"`
	ExpectedTokensRound int         `json:"expected_tokens_round" yaml:"expected_tokens_round"`
}

func (m CouncilMember) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec * float64(time.Second))
}

type RetryPolicy struct {
	MaxAttempts       int         `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs    int         `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs        int         `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64     `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	RetryableErrors   []ErrorKind `json:"retryable_errors" yaml:"retryable_errors"`
}

func (p RetryPolicy) IsRetryable(kind ErrorKind) bool {
	for _, k := range p.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

type ProviderHealth struct {
	ProviderID          string       `json:"provider_id" db:"provider_id"`
	Status              HealthStatus `json:"status" db:"status"`
	SuccessRate         float64      `json:"success_rate" db:"success_rate"`
	AvgLatencyMs        float64      `json:"avg_latency_ms" db:"avg_latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	WindowSize          int          `json:"window_size" db:"window_size"`
	DisabledReason      string       `json:"disabled_reason,omitempty" db:"disabled_reason"`
	LastFailure         *time.Time   `json:"last_failure,omitempty" db:"last_failure"`
}

type UserRequest struct {
	ID        string    `json:"id" db:"id"`
	Query     string    `json:"query" db:"query"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	Context   string    `json:"context,omitempty" db:"context"`
	Preset    string    `json:"preset,omitempty" db:"preset"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

type TokenUsage struct {
	Prompt     int `json:"prompt" db:"prompt_tokens"`
	Completion int `json:"completion" db:"completion_tokens"`
	Total      int `json:"total" db:"total_tokens"`
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + other.Prompt,
		Completion: u.Completion + other.Completion,
		Total:      u.Total + other.Total,
	}
}

type ProviderResponse struct {
	CouncilMemberID string     `json:"council_member_id" db:"council_member_id"`
	Content         string     `json:"content" db:"content"`
	TokenUsage      TokenUsage `json:"token_usage"`
	LatencyMs       int64      `json:"latency_ms" db:"latency_ms"`
	Timestamp       time.Time  `json:"timestamp" db:"created_at"`
}

// InitialResponse is a round-0 provider response, before any member has seen
// a peer's output.
type InitialResponse = ProviderResponse

type ProbeResult struct {
	Available bool  `json:"available"`
	LatencyMs int64 `json:"latency_ms"`
}

type DeliberationExchange struct {
	CouncilMemberID string     `json:"council_member_id" db:"council_member_id"`
	Content         string     `json:"content" db:"content"`
	ReferencesTo    []string   `json:"references_to" db:"references_to"`
	TokenUsage      TokenUsage `json:"token_usage"`
}

type DeliberationRound struct {
	RoundNumber int                    `json:"round_number" db:"round_number"`
	Exchanges   []DeliberationExchange `json:"exchanges"`
}

type DeliberationThread struct {
	Initial []*InitialResponse  `json:"initial"`
	Rounds  []DeliberationRound `json:"rounds"`
}

type NegotiationResponse struct {
	CouncilMemberID    string    `json:"council_member_id" db:"council_member_id"`
	Content            string    `json:"content" db:"content"`
	RoundNumber        int       `json:"round_number" db:"round_number"`
	AgreesWithMemberID string    `json:"agrees_with_member_id,omitempty" db:"agrees_with_member_id"`
	Embedding          []float64 `json:"-"`
	TokenCount         int       `json:"token_count" db:"token_count"`
}

type NegotiationExample struct {
	ID        string    `json:"id" db:"id"`
	Query     string    `json:"query" db:"query"`
	Summary   string    `json:"summary" db:"summary"`
	Outcome   string    `json:"outcome" db:"outcome"`
	Score     float64   `json:"score" db:"score"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type SimilarityPair struct {
	I          int     `json:"i"`
	J          int     `json:"j"`
	Similarity float64 `json:"similarity"`
}

type SimilarityResult struct {
	Matrix              [][]float64      `json:"matrix"`
	AverageSimilarity   float64          `json:"average_similarity"`
	MinSimilarity       float64          `json:"min_similarity"`
	MaxSimilarity       float64          `json:"max_similarity"`
	BelowThresholdPairs []SimilarityPair `json:"below_threshold_pairs,omitempty"`
}

type CostSavings struct {
	RoundsSkipped int `json:"rounds_skipped"`
	TokensAvoided int `json:"tokens_avoided"`
}

type ConsensusMetadata struct {
	TotalRounds              int          `json:"total_rounds" db:"total_rounds"`
	SimilarityProgression    []float64    `json:"similarity_progression"`
	ConsensusAchieved        bool         `json:"consensus_achieved" db:"consensus_achieved"`
	FallbackUsed             bool         `json:"fallback_used" db:"fallback_used"`
	FallbackReason           string       `json:"fallback_reason,omitempty" db:"fallback_reason"`
	DeadlockDetected         bool         `json:"deadlock_detected" db:"deadlock_detected"`
	HumanEscalationTriggered bool         `json:"human_escalation_triggered" db:"human_escalation_triggered"`
	QualityScore             float64      `json:"quality_score" db:"quality_score"`
	CostSavings              *CostSavings `json:"cost_savings,omitempty"`
}

type ConsensusDecision struct {
	Content             string             `json:"content" db:"content"`
	Confidence          Confidence         `json:"confidence" db:"confidence"`
	AgreementLevel      float64            `json:"agreement_level" db:"agreement_level"`
	SynthesisStrategy   string             `json:"synthesis_strategy" db:"synthesis_strategy"`
	ContributingMembers []string           `json:"contributing_members" db:"contributing_members"`
	Timestamp           time.Time          `json:"timestamp" db:"created_at"`
	IterativeMetadata   *ConsensusMetadata `json:"iterative_metadata,omitempty"`
}

// Escalation is the payload handed to human reviewers when a negotiation
// deadlocks.
type Escalation struct {
	RequestID             string    `json:"request_id"`
	Query                 string    `json:"query"`
	Reason                string    `json:"reason"`
	Round                 int       `json:"round"`
	SimilarityProgression []float64 `json:"similarity_progression"`
	Channels              []string  `json:"channels"`
	Timestamp             time.Time `json:"timestamp"`
}

type MemberMetrics struct {
	Calls      int        `json:"calls"`
	LatencyMs  int64      `json:"latency_ms"`
	TokenUsage TokenUsage `json:"token_usage"`
	CostUSD    float64    `json:"cost_usd"`
}

type RequestMetrics struct {
	RequestID   string                    `json:"request_id"`
	Members     map[string]*MemberMetrics `json:"members"`
	TotalTokens TokenUsage                `json:"total_tokens"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt time.Time                 `json:"completed_at"`
}

func NewRequestMetrics(requestID string) *RequestMetrics {
	return &RequestMetrics{
		RequestID: requestID,
		Members:   make(map[string]*MemberMetrics),
		StartedAt: time.Now(),
	}
}

// Record attributes one provider response to a member. Not safe for
// concurrent use; callers record from a single collector goroutine.
func (m *RequestMetrics) Record(memberID string, resp *ProviderResponse, costPer1K float64) {
	mm, ok := m.Members[memberID]
	if !ok {
		mm = &MemberMetrics{}
		m.Members[memberID] = mm
	}
	mm.Calls++
	mm.LatencyMs += resp.LatencyMs
	mm.TokenUsage = mm.TokenUsage.Add(resp.TokenUsage)
	mm.CostUSD += float64(resp.TokenUsage.Total) / 1000.0 * costPer1K
	m.TotalTokens = m.TotalTokens.Add(resp.TokenUsage)
}

// SynthesisInput carries everything a synthesis strategy can draw on: the
// request, the council snapshot (sorted by member id), the latest content
// per member and the optional deliberation thread. Metrics, when non-nil,
// accumulates every provider call the synthesis stage issues.
type SynthesisInput struct {
	Request   UserRequest
	Members   []CouncilMember
	Responses []*ProviderResponse
	Thread    *DeliberationThread
	Metrics   *RequestMetrics
}

// MemberByID looks up a council member in the snapshot.
func (in *SynthesisInput) MemberByID(id string) (CouncilMember, bool) {
	for _, m := range in.Members {
		if m.ID == id {
			return m, true
		}
	}
	return CouncilMember{}, false
}

type ProcessResult struct {
	RequestID string             `json:"request_id"`
	Decision  *ConsensusDecision `json:"decision"`
	Metrics   *RequestMetrics    `json:"metrics"`
	Degraded  bool               `json:"degraded,omitempty"`
}
