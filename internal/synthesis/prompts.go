package synthesis

import (
	"fmt"
	"strings"

	"github.com/councilproxy/councilproxy/internal/models"
)

func buildReducerPrompt(query string, responses []*models.ProviderResponse) string {
	var b strings.Builder

	b.WriteString("You are the reducer for a council of AI models. ")
	b.WriteString("Each council member answered the same question independently. ")
	b.WriteString("Merge their answers into one consolidated answer: keep the points they agree on, ")
	b.WriteString("resolve contradictions in favor of the better-supported position, and drop filler.\n\n")

	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\n")

	b.WriteString("Council answers:\n")
	for _, resp := range responses {
		b.WriteString("--- ")
		b.WriteString(resp.CouncilMemberID)
		b.WriteString(" ---\n")
		b.WriteString(resp.Content)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with the consolidated answer only, no preamble.\n")

	return b.String()
}

func buildWeightedPrompt(query string, responses []*models.ProviderResponse, weights map[string]float64) string {
	var b strings.Builder

	b.WriteString("You are the reducer for a council of AI models. ")
	b.WriteString("Each council member answered the same question independently, and each answer carries a weight. ")
	b.WriteString("Merge the answers into one consolidated answer, favoring higher-weighted members wherever they conflict.\n\n")

	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\n")

	b.WriteString("Council answers:\n")
	for _, resp := range responses {
		b.WriteString("--- ")
		b.WriteString(resp.CouncilMemberID)
		b.WriteString(fmt.Sprintf(" (weight %.2f)", weights[resp.CouncilMemberID]))
		b.WriteString(" ---\n")
		b.WriteString(resp.Content)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with the consolidated answer only, no preamble.\n")

	return b.String()
}

func buildModeratorPrompt(query string, peers []*models.ProviderResponse) string {
	var b strings.Builder

	b.WriteString("You are the moderator of a council of AI models. ")
	b.WriteString("The other council members have answered the question below. ")
	b.WriteString("Weigh their answers against each other and your own judgment, then produce the council's final answer.\n\n")

	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\n")

	if len(peers) > 0 {
		b.WriteString("Member answers:\n")
		for _, resp := range peers {
			b.WriteString("--- ")
			b.WriteString(resp.CouncilMemberID)
			b.WriteString(" ---\n")
			b.WriteString(resp.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with the final answer only, no preamble.\n")

	return b.String()
}
