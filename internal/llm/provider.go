package llm

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/models"
)

// ProviderAdapter is the capability set every provider implementation
// satisfies. Adapters are stateless after construction and safe to share.
type ProviderAdapter interface {
	// Name returns the provider tag this adapter serves (e.g. "openai").
	Name() string

	// SendRequest formats the provider's native wire payload, posts it, and
	// parses the response. Exactly one attempt; no internal retries. Every
	// failure is returned as a *models.CouncilError with a normalized kind.
	SendRequest(ctx context.Context, member models.CouncilMember, prompt, promptContext string) (*models.ProviderResponse, error)

	// Health performs a cheap availability probe (models list or minimal
	// completion).
	Health(ctx context.Context) (*models.ProbeResult, error)
}

// Registry maps provider tags to adapter instances.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ProviderAdapter
	log      *logrus.Logger
}

func NewRegistry(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		adapters: make(map[string]ProviderAdapter),
		log:      log,
	}
}

// Register adds or replaces the adapter for its provider tag.
func (r *Registry) Register(adapter ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
	r.log.WithField("provider", adapter.Name()).Debug("Registered provider adapter")
}

func (r *Registry) Get(providerTag string) (ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[providerTag]
	return a, ok
}

// Names returns the registered provider tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
