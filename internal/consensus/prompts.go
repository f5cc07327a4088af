package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/councilproxy/councilproxy/internal/models"
)

const defaultPreamble = "You are a member of an AI council negotiating a shared answer. " +
	"Review your peers' positions against your own, then either refine your answer or endorse a peer."

const endorsePrefix = "ENDORSE"

// buildPrompt assembles one member's negotiation prompt for a round. The
// preamble can be overridden per query preset via PromptTemplates.
func (n *negotiation) buildPrompt(member models.CouncilMember, round int, peers map[string]string) string {
	var b strings.Builder

	preamble := defaultPreamble
	if override, ok := n.config.PromptTemplates[n.input.Request.Preset]; ok && override != "" {
		preamble = override
	}
	b.WriteString(preamble)
	b.WriteString("\n\n")

	b.WriteString("Round: ")
	b.WriteString(fmt.Sprintf("%d", round))
	b.WriteString("\n\n")

	b.WriteString("Question:\n")
	b.WriteString(n.input.Request.Query)
	b.WriteString("\n\n")

	if own, ok := n.latest[member.ID]; ok {
		b.WriteString("Your previous answer:\n")
		b.WriteString(own.Content)
		b.WriteString("\n\n")
	}

	peerIDs := make([]string, 0, len(peers))
	for id := range peers {
		if id != member.ID {
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
			b.WriteString(peers[id])
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(n.examples) > 0 {
		b.WriteString("Past negotiations for reference:\n")
		for _, ex := range n.examples {
			b.WriteString("- [")
			b.WriteString(ex.Outcome)
			b.WriteString("] ")
			b.WriteString(ex.Summary)
			b.WriteString(fmt.Sprintf(" (score %.2f)", ex.Score))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Refine your answer to move the council toward agreement. ")
	b.WriteString("If you fully agree with one peer, reply with exactly \"")
	b.WriteString(endorsePrefix)
	b.WriteString(" <member-id>\" on the first line. ")
	b.WriteString("Otherwise reply with your refined answer only.\n")

	return b.String()
}

// parseEndorsement reports the endorsed peer when the reply's first line is
// an explicit endorsement of a live member.
func parseEndorsement(content string, members map[string]bool) (string, bool) {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)

	if len(line) < len(endorsePrefix) || !strings.EqualFold(line[:len(endorsePrefix)], endorsePrefix) {
		return "", false
	}
	id := strings.TrimSpace(line[len(endorsePrefix):])
	id = strings.TrimSpace(strings.TrimPrefix(id, ":"))
	if id == "" || !members[id] {
		return "", false
	}
	return id, true
}
