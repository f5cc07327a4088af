package embedding

import (
	"context"
	"sync"
)

// RequestCache memoizes embeddings for the lifetime of a single council
// request. It wraps an Embedder and serves repeated texts from memory, so
// a member whose answer does not change between negotiation rounds is
// embedded once. Create one per request; never share across requests.
type RequestCache struct {
	inner Embedder

	mu   sync.Mutex
	seen map[string][]float64
	hits int
}

// NewRequestCache wraps an embedder with request-scoped memoization.
func NewRequestCache(inner Embedder) *RequestCache {
	return &RequestCache{
		inner: inner,
		seen:  make(map[string][]float64),
	}
}

// ModelID identifies the backing model.
func (c *RequestCache) ModelID() string {
	return c.inner.ModelID()
}

// Dimension returns the embedding dimension.
func (c *RequestCache) Dimension() int {
	return c.inner.Dimension()
}

// Embed returns the cached vector for (text, model) or delegates to the
// wrapped embedder and caches the result.
func (c *RequestCache) Embed(ctx context.Context, text string) ([]float64, error) {
	key := c.inner.ModelID() + "\x00" + text

	c.mu.Lock()
	if emb, ok := c.seen[key]; ok {
		c.hits++
		c.mu.Unlock()
		return emb, nil
	}
	c.mu.Unlock()

	emb, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.seen[key] = emb
	c.mu.Unlock()
	return emb, nil
}

// EmbedBatch embeds each text through the cache.
func (c *RequestCache) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	embeddings := make([][]float64, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Close is a no-op; the wrapped embedder outlives the request.
func (c *RequestCache) Close() error {
	return nil
}

// Len returns the number of distinct texts cached so far.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Hits returns how many lookups were served from the cache.
func (c *RequestCache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}
