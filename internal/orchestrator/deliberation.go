package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// deliberate runs the configured number of critique rounds on top of the
// round-0 responses. Each round shows every live member its own previous
// answer plus the peers' previous answers; a member disabled after the
// snapshot is skipped from the next round onward. The loop stops early when
// the global deadline expires, returning the partial thread.
func (e *Engine) deliberate(ctx context.Context, req models.UserRequest, initial []*models.ProviderResponse, snap models.ConfigSnapshot, metrics *models.RequestMetrics) *models.DeliberationThread {
	ctx, span := e.tracer.StartStage(ctx, "council.deliberation")
	defer span.End()

	thread := &models.DeliberationThread{Initial: initial}

	memberByID := make(map[string]models.CouncilMember, len(snap.Council.Members))
	for _, m := range snap.Council.Members {
		memberByID[m.ID] = m
	}

	// Only round-0 responders deliberate; initial is already id-ordered.
	roster := make([]string, 0, len(initial))
	latest := make(map[string]string, len(initial))
	for _, resp := range initial {
		roster = append(roster, resp.CouncilMemberID)
		latest[resp.CouncilMemberID] = resp.Content
	}

	for round := 1; round <= snap.Deliberation.Rounds; round++ {
		if ctx.Err() != nil {
			e.log.WithFields(logrus.Fields{
				"request_id": req.ID,
				"round":      round,
			}).Warn("Global deadline reached, aborting deliberation")
			break
		}

		live := make([]models.CouncilMember, 0, len(roster))
		for _, id := range roster {
			if disabled, _ := e.health.IsDisabled(id); disabled {
				continue
			}
			live = append(live, memberByID[id])
		}
		if len(live) == 0 {
			break
		}

		exchanges := e.deliberateRound(ctx, req, round, live, latest, metrics)
		dr := models.DeliberationRound{RoundNumber: round, Exchanges: exchanges}
		thread.Rounds = append(thread.Rounds, dr)
		e.events.LogDeliberationRound(req.ID, dr)

		// Everyone in round k saw round k-1; apply updates only afterwards.
		for _, ex := range exchanges {
			latest[ex.CouncilMemberID] = ex.Content
		}
	}
	return thread
}

func (e *Engine) deliberateRound(ctx context.Context, req models.UserRequest, round int, live []models.CouncilMember, latest map[string]string, metrics *models.RequestMetrics) []models.DeliberationExchange {
	type result struct {
		member models.CouncilMember
		resp   *models.ProviderResponse
		err    error
	}

	results := make(chan result, len(live))
	var wg sync.WaitGroup
	for _, member := range live {
		wg.Add(1)
		go func(member models.CouncilMember) {
			defer wg.Done()
			prompt := buildDeliberationPrompt(req.Query, member.ID, round, latest)
			resp, err := e.pool.SendRequest(ctx, member, prompt, req.Context)
			results <- result{member: member, resp: resp, err: err}
		}(member)
	}
	wg.Wait()
	close(results)

	peerIDs := make([]string, 0, len(latest))
	for id := range latest {
		peerIDs = append(peerIDs, id)
	}

	exchanges := make([]models.DeliberationExchange, 0, len(live))
	for res := range results {
		if res.err != nil {
			e.events.LogProviderFailure(res.member.ID, res.err)
			e.log.WithFields(logrus.Fields{
				"member": res.member.ID,
				"round":  round,
				"error":  res.err,
			}).Warn("Member failed deliberation round")
			continue
		}
		metrics.Record(res.member.ID, res.resp, res.member.CostPer1KTokensUSD)

		refs := citedMembers(res.resp.Content, peerIDs, res.member.ID)
		if len(refs) == 0 {
			// An exchange that cites nobody engages the whole prior round.
			refs = peersOf(peerIDs, res.member.ID)
		}
		exchanges = append(exchanges, models.DeliberationExchange{
			CouncilMemberID: res.member.ID,
			Content:         res.resp.Content,
			ReferencesTo:    refs,
			TokenUsage:      res.resp.TokenUsage,
		})
	}
	sort.Slice(exchanges, func(i, j int) bool {
		return exchanges[i].CouncilMemberID < exchanges[j].CouncilMemberID
	})
	return exchanges
}

func buildDeliberationPrompt(query, memberID string, round int, latest map[string]string) string {
	var b strings.Builder
	b.WriteString("You are one member of an AI council deliberating a shared answer. ")
	b.WriteString("Critique your peers' positions, then refine your own answer. ")
	b.WriteString("Reference at least one peer by id.\n\n")

	b.WriteString(fmt.Sprintf("Round: %d\n\n", round))

	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\n")

	if own, ok := latest[memberID]; ok {
		b.WriteString("Your previous answer:\n")
		b.WriteString(own)
		b.WriteString("\n\n")
	}

	peerIDs := make([]string, 0, len(latest))
	for id := range latest {
		if id != memberID {
			peerIDs = append(peerIDs, id)
		}
	}
	sort.Strings(peerIDs)

	if len(peerIDs) > 0 {
		b.WriteString("Peer answers:\n")
		for _, id := range peerIDs {
			b.WriteString("--- ")
			b.WriteString(id)
			b.WriteString(" ---\n")
			b.WriteString(latest[id])
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with your critique and your refined answer.\n")
	return b.String()
}

// citedMembers returns the peer ids mentioned in the content, matched on
// whole tokens so short ids do not match inside unrelated words.
func citedMembers(content string, peerIDs []string, selfID string) []string {
	tokens := make(map[string]bool)
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens[b.String()] = true
			b.Reset()
		}
	}
	for _, r := range content {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	cited := make([]string, 0, len(peerIDs))
	for _, id := range peerIDs {
		if id == selfID {
			continue
		}
		if tokens[strings.ToLower(id)] {
			cited = append(cited, id)
		}
	}
	sort.Strings(cited)
	return cited
}

func peersOf(ids []string, selfID string) []string {
	peers := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != selfID {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// latestResponses rebuilds the synthesis input from the deliberation
// outcome: each member's newest content, ordered by member id.
func latestResponses(initial []*models.ProviderResponse, thread *models.DeliberationThread) []*models.ProviderResponse {
	latest := make(map[string]*models.ProviderResponse, len(initial))
	order := make([]string, 0, len(initial))
	for _, resp := range initial {
		latest[resp.CouncilMemberID] = resp
		order = append(order, resp.CouncilMemberID)
	}
	for _, round := range thread.Rounds {
		for _, ex := range round.Exchanges {
			latest[ex.CouncilMemberID] = &models.ProviderResponse{
				CouncilMemberID: ex.CouncilMemberID,
				Content:         ex.Content,
				TokenUsage:      ex.TokenUsage,
			}
		}
	}
	out := make([]*models.ProviderResponse, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}
