package consensus

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// maxConsecutiveAbsences drops a member from the loop.
const maxConsecutiveAbsences = 3

// negotiation is the per-request state of one running loop.
type negotiation struct {
	engine   *Engine
	input    *models.SynthesisInput
	outer    models.SynthesisConfig
	config   models.IterativeConfig
	comparer Comparer
	examples []models.NegotiationExample
	rng      *rand.Rand

	members     []models.CouncilMember // live roster, sorted by id
	latest      map[string]*models.NegotiationResponse
	absences    map[string]int
	progression []float64
	deadlock    bool
}

func (e *Engine) start(ctx context.Context, input *models.SynthesisInput, outer models.SynthesisConfig, cfg models.IterativeConfig) *negotiation {
	n := &negotiation{
		engine:   e,
		input:    input,
		outer:    outer,
		config:   cfg,
		comparer: e.comparers(cfg.AgreementThreshold),
		latest:   make(map[string]*models.NegotiationResponse),
		absences: make(map[string]int),
	}

	// The roster is the set of members that produced a seed response.
	// Members that failed round 0 never join the loop.
	for _, resp := range input.Responses {
		member, ok := input.MemberByID(resp.CouncilMemberID)
		if !ok {
			continue
		}
		n.members = append(n.members, member)
		n.latest[member.ID] = &models.NegotiationResponse{
			CouncilMemberID: member.ID,
			Content:         resp.Content,
			RoundNumber:     1,
			TokenCount:      resp.TokenUsage.Total,
		}
	}
	sort.Slice(n.members, func(i, j int) bool { return n.members[i].ID < n.members[j].ID })

	if cfg.RandomizationSeed != nil {
		n.rng = rand.New(rand.NewSource(*cfg.RandomizationSeed))
	}

	if e.examples != nil && cfg.ExampleCount > 0 {
		examples, err := e.examples.Relevant(ctx, input.Request.Query, cfg.ExampleCount)
		if err != nil {
			e.log.WithError(err).Warn("Failed to fetch negotiation examples")
		} else {
			n.examples = examples
		}
	}
	return n
}

func (n *negotiation) run(ctx context.Context) (*models.ConsensusDecision, error) {
	e := n.engine

	// Round 1 proposals are the seed responses themselves.
	current := make(map[string]*models.NegotiationResponse, len(n.latest))
	for id, resp := range n.latest {
		current[id] = resp
	}

	for round := 1; ; round++ {
		if round > 1 {
			current = n.propose(ctx, round)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		score, err := n.measure(ctx, current)
		if err != nil {
			return nil, models.WrapError(models.ErrSynthesisFailed, "round similarity measurement failed", err)
		}
		avg := score.avg()
		n.progression = append(n.progression, avg)
		e.events.LogNegotiationRound(n.input.Request.ID, round, avg)

		risk := deadlockRisk(n.progression, round, n.config.MaxRounds)
		if risk == riskHigh {
			n.deadlock = true
		}

		e.log.WithFields(logrus.Fields{
			"request_id":    n.input.Request.ID,
			"round":         round,
			"avg":           avg,
			"trend":         velocityLabel(velocity(n.progression)),
			"deadlock_risk": risk,
			"live_members":  len(n.members),
		}).Debug("Negotiation round measured")

		if n.config.EarlyTerminationEnabled && avg >= n.config.EarlyTerminationThreshold {
			return n.converged(round, avg, score, true)
		}
		if avg >= n.config.AgreementThreshold {
			return n.converged(round, avg, score, false)
		}
		if round == n.config.MaxRounds || len(n.members) == 0 {
			return n.exhausted(ctx, round, avg, risk)
		}
	}
}

// propose runs one PROPOSE phase and returns the members' fresh proposals.
// Absent members are tracked here; the round itself never fails.
func (n *negotiation) propose(ctx context.Context, round int) map[string]*models.NegotiationResponse {
	roundCtx := ctx
	if d := n.config.PerRoundTimeout(); d > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if n.config.NegotiationMode == models.NegotiationSequential {
		return n.proposeSequential(roundCtx, round)
	}
	return n.proposeParallel(roundCtx, round)
}

func (n *negotiation) proposeParallel(ctx context.Context, round int) map[string]*models.NegotiationResponse {
	type result struct {
		member models.CouncilMember
		resp   *models.ProviderResponse
		err    error
	}

	peers := n.peerView()
	results := make(chan result, len(n.members))
	var wg sync.WaitGroup
	for _, member := range n.members {
		wg.Add(1)
		go func(member models.CouncilMember) {
			defer wg.Done()
			prompt := n.buildPrompt(member, round, peers)
			resp, err := n.engine.pool.SendRequest(ctx, member, prompt, n.input.Request.Context)
			results <- result{member: member, resp: resp, err: err}
		}(member)
	}
	wg.Wait()
	close(results)

	// Collection happens on this goroutine only; metrics recording and
	// roster mutation need no extra locking.
	current := make(map[string]*models.NegotiationResponse, len(n.members))
	for res := range results {
		n.collect(round, res.member, res.resp, res.err, current)
	}
	return current
}

func (n *negotiation) proposeSequential(ctx context.Context, round int) map[string]*models.NegotiationResponse {
	order := n.roundOrder()
	peers := n.peerView()

	current := make(map[string]*models.NegotiationResponse, len(order))
	for _, member := range order {
		prompt := n.buildPrompt(member, round, peers)
		resp, err := n.engine.pool.SendRequest(ctx, member, prompt, n.input.Request.Context)
		n.collect(round, member, resp, err, current)
		if nr, ok := current[member.ID]; ok {
			// Later members in the order see this round's fresh position.
			peers[member.ID] = n.effectiveContent(nr, current)
		}
	}
	return current
}

// roundOrder returns the speaking order: a seeded shuffle when a
// randomization seed is configured, lexicographic member id otherwise.
func (n *negotiation) roundOrder() []models.CouncilMember {
	order := make([]models.CouncilMember, len(n.members))
	copy(order, n.members)
	if n.rng != nil {
		n.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

func (n *negotiation) collect(round int, member models.CouncilMember, resp *models.ProviderResponse, err error, current map[string]*models.NegotiationResponse) {
	e := n.engine

	if err != nil {
		n.absences[member.ID]++
		e.events.LogProviderFailure(member.ID, err)
		e.log.WithFields(logrus.Fields{
			"member": member.ID,
			"round":  round,
			"error":  err,
		}).Warn("Member absent from negotiation round")

		if n.absences[member.ID] >= maxConsecutiveAbsences {
			n.dropMember(member.ID)
			e.log.WithFields(logrus.Fields{
				"member": member.ID,
				"round":  round,
			}).Warn("Member dropped after repeated absences")
		}
		return
	}

	n.absences[member.ID] = 0
	if n.input.Metrics != nil {
		n.input.Metrics.Record(member.ID, resp, member.CostPer1KTokensUSD)
	}

	nr := &models.NegotiationResponse{
		CouncilMemberID: member.ID,
		Content:         resp.Content,
		RoundNumber:     round,
		TokenCount:      resp.TokenUsage.Total,
	}
	if endorsed, ok := parseEndorsement(resp.Content, n.memberIDs()); ok && endorsed != member.ID {
		nr.AgreesWithMemberID = endorsed
	}
	n.latest[member.ID] = nr
	current[member.ID] = nr
	e.events.LogNegotiationResponse(n.input.Request.ID, nr)
}

func (n *negotiation) dropMember(id string) {
	for i, member := range n.members {
		if member.ID == id {
			n.members = append(n.members[:i], n.members[i+1:]...)
			return
		}
	}
}

func (n *negotiation) memberIDs() map[string]bool {
	ids := make(map[string]bool, len(n.members))
	for _, member := range n.members {
		ids[member.ID] = true
	}
	return ids
}

// peerView maps each live member to its latest effective position.
func (n *negotiation) peerView() map[string]string {
	view := make(map[string]string, len(n.members))
	for _, member := range n.members {
		if resp, ok := n.latest[member.ID]; ok {
			view[member.ID] = n.effectiveContent(resp, n.latest)
		}
	}
	return view
}

// effectiveContent resolves an endorsement to the endorsed peer's text, one
// hop only. A dangling endorsement keeps the member's own text.
func (n *negotiation) effectiveContent(resp *models.NegotiationResponse, pool map[string]*models.NegotiationResponse) string {
	if resp.AgreesWithMemberID == "" {
		return resp.Content
	}
	if peer, ok := pool[resp.AgreesWithMemberID]; ok {
		return peer.Content
	}
	return resp.Content
}

// roundScore holds one round's similarity measurement, with ids and the
// scored texts aligned to the matrix.
type roundScore struct {
	ids    []string
	texts  []string
	result *models.SimilarityResult
}

func (s *roundScore) avg() float64 {
	if s.result == nil {
		return 0
	}
	return s.result.AverageSimilarity
}

// medoid returns the proposal most similar to the rest of the round, ties
// resolved toward the lowest member id.
func (s *roundScore) medoid() (string, string) {
	if len(s.ids) == 1 {
		return s.ids[0], s.texts[0]
	}
	best := 0
	bestMean := -1.0
	for i := range s.ids {
		var sum float64
		for j := range s.ids {
			if j != i {
				sum += s.result.Matrix[i][j]
			}
		}
		mean := sum / float64(len(s.ids)-1)
		if mean > bestMean {
			best = i
			bestMean = mean
		}
	}
	return s.ids[best], s.texts[best]
}

// measure scores the round's live proposals. Endorsements substitute the
// endorsed peer's content for this round only. A round with no live
// proposals scores zero.
func (n *negotiation) measure(ctx context.Context, current map[string]*models.NegotiationResponse) (*roundScore, error) {
	if len(current) == 0 {
		return &roundScore{}, nil
	}

	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	texts := make([]string, len(ids))
	for i, id := range ids {
		texts[i] = n.effectiveContent(current[id], current)
	}

	result, err := n.comparer.Compare(ctx, texts)
	if err != nil {
		return nil, err
	}
	return &roundScore{ids: ids, texts: texts, result: result}, nil
}

func (n *negotiation) converged(round int, avg float64, score *roundScore, early bool) (*models.ConsensusDecision, error) {
	meta := n.metadata(round, avg, true)
	if early {
		meta.CostSavings = n.savings(round)
	}

	_, content := score.medoid()
	decision := &models.ConsensusDecision{
		Content:             content,
		Confidence:          models.ConfidenceFor(avg),
		AgreementLevel:      avg,
		SynthesisStrategy:   models.StrategyIterativeConsensus,
		ContributingMembers: append([]string(nil), score.ids...),
		Timestamp:           time.Now(),
		IterativeMetadata:   meta,
	}
	n.engine.events.LogConsensusMetadata(n.input.Request.ID, meta)
	return decision, nil
}

func (n *negotiation) exhausted(ctx context.Context, round int, avg float64, risk string) (*models.ConsensusDecision, error) {
	e := n.engine

	meta := n.metadata(round, avg, false)
	meta.FallbackUsed = true
	meta.FallbackReason = "max rounds reached without consensus"
	if len(n.members) == 0 {
		meta.FallbackReason = "all members dropped out"
	}

	if risk == riskHigh && n.config.HumanEscalationEnabled && e.limiter.Allow(n.config.EscalationRateLimit) {
		meta.HumanEscalationTriggered = true
		meta.FallbackReason = "deadlock escalated for human review"
		n.escalate(ctx, round)
	}

	decision, err := n.runFallback(ctx)
	if err != nil {
		return nil, err
	}
	decision.IterativeMetadata = meta
	e.events.LogConsensusMetadata(n.input.Request.ID, meta)
	return decision, nil
}

func (n *negotiation) escalate(ctx context.Context, round int) {
	e := n.engine
	esc := models.Escalation{
		RequestID:             n.input.Request.ID,
		Query:                 n.input.Request.Query,
		Reason:                "negotiation deadlocked",
		Round:                 round,
		SimilarityProgression: append([]float64(nil), n.progression...),
		Channels:              n.config.EscalationChannels,
		Timestamp:             time.Now(),
	}

	if e.escalator == nil {
		e.log.WithField("request_id", esc.RequestID).Warn("Escalation triggered but no escalator wired")
		return
	}
	if err := e.escalator.Escalate(ctx, esc); err != nil {
		e.log.WithError(err).WithField("request_id", esc.RequestID).Warn("Failed to deliver escalation")
	}
}

// runFallback synthesizes the final answer from the live members' last
// effective positions. The original council snapshot is kept so a configured
// reducer or moderator stays addressable.
func (n *negotiation) runFallback(ctx context.Context) (*models.ConsensusDecision, error) {
	if n.engine.fallback == nil {
		return nil, models.NewError(models.ErrSynthesisFailed, "fallback synthesis not wired")
	}

	fbConfig := n.outer
	fbConfig.Strategy = n.config.FallbackStrategy
	fbConfig.Iterative = nil

	fbInput := &models.SynthesisInput{
		Request:   n.input.Request,
		Members:   n.input.Members,
		Responses: n.finalResponses(),
		Thread:    n.input.Thread,
		Metrics:   n.input.Metrics,
	}
	return n.engine.fallback.Synthesize(ctx, fbInput, fbConfig)
}

func (n *negotiation) finalResponses() []*models.ProviderResponse {
	responses := make([]*models.ProviderResponse, 0, len(n.members))
	for _, member := range n.members {
		resp, ok := n.latest[member.ID]
		if !ok {
			continue
		}
		responses = append(responses, &models.ProviderResponse{
			CouncilMemberID: member.ID,
			Content:         n.effectiveContent(resp, n.latest),
			Timestamp:       time.Now(),
		})
	}
	return responses
}

func (n *negotiation) metadata(round int, avg float64, achieved bool) *models.ConsensusMetadata {
	return &models.ConsensusMetadata{
		TotalRounds:           round,
		SimilarityProgression: append([]float64(nil), n.progression...),
		ConsensusAchieved:     achieved,
		DeadlockDetected:      n.deadlock,
		QualityScore:          qualityScore(avg, round, n.config.MaxRounds),
	}
}

// savings estimates the negotiation tokens avoided by stopping before the
// round budget, over the live roster only.
func (n *negotiation) savings(round int) *models.CostSavings {
	skipped := n.config.MaxRounds - round
	if skipped <= 0 {
		return nil
	}
	tokens := 0
	for _, member := range n.members {
		tokens += member.ExpectedTokensRound * skipped
	}
	return &models.CostSavings{RoundsSkipped: skipped, TokensAvoided: tokens}
}
