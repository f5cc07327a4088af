// Package static implements a scripted provider adapter for offline runs and
// tests. Responses are served from per-member queues, falling back to a
// deterministic echo of the prompt.
package static

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/councilproxy/councilproxy/internal/models"
)

const providerName = "static"

// Adapter serves canned responses without any network I/O.
type Adapter struct {
	mu      sync.Mutex
	queues  map[string][]string
	latency time.Duration
}

func New() *Adapter {
	return &Adapter{queues: make(map[string][]string)}
}

// WithLatency makes every call sleep for d (or until ctx expires) before
// answering. Useful for exercising timeout paths.
func (a *Adapter) WithLatency(d time.Duration) *Adapter {
	a.latency = d
	return a
}

// Queue appends scripted responses for one council member. Each SendRequest
// consumes one entry; an empty queue falls back to the echo response.
func (a *Adapter) Queue(memberID string, contents ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues[memberID] = append(a.queues[memberID], contents...)
}

func (a *Adapter) Name() string {
	return providerName
}

func (a *Adapter) SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error) {
	start := time.Now()
	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return nil, models.WrapError(models.ErrTimeout, "scripted call cancelled", ctx.Err())
		}
	}

	content := a.next(member.ID)
	if content == "" {
		content = "[" + member.ID + "] " + firstLine(prompt)
	}

	promptTokens := wordCount(promptContext) + wordCount(prompt)
	completionTokens := wordCount(content)

	return &models.ProviderResponse{
		CouncilMemberID: member.ID,
		Content:         content,
		TokenUsage: models.TokenUsage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) Health(ctx context.Context) (*models.ProbeResult, error) {
	return &models.ProbeResult{Available: true}, nil
}

func (a *Adapter) next(memberID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queues[memberID]
	if len(q) == 0 {
		return ""
	}
	head := q[0]
	a.queues[memberID] = q[1:]
	return head
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
