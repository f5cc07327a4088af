package examples

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/consensus"
	"github.com/councilproxy/councilproxy/internal/models"
)

const cacheKeyPrefix = "examples:"

// CachedRepository is a Redis read-through over any example source. Cache
// problems degrade to the inner source, never to an error.
type CachedRepository struct {
	inner  consensus.ExampleSource
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

func NewCachedRepository(inner consensus.ExampleSource, client *redis.Client, ttl time.Duration, log *logrus.Logger) *CachedRepository {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &CachedRepository{inner: inner, client: client, ttl: ttl, log: log}
}

func cacheKey(query string, k int) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("%s%s:%d", cacheKeyPrefix, hex.EncodeToString(sum[:16]), k)
}

func (c *CachedRepository) Relevant(ctx context.Context, query string, k int) ([]models.NegotiationExample, error) {
	key := cacheKey(query, k)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var examples []models.NegotiationExample
		if err := json.Unmarshal(data, &examples); err == nil {
			return examples, nil
		}
		c.log.WithField("key", key).Warn("Discarding unreadable cached examples")
	} else if err != redis.Nil {
		c.log.WithError(err).Warn("Example cache read failed, falling through")
	}

	examples, err := c.inner.Relevant(ctx, query, k)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(examples); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.log.WithError(err).Warn("Example cache write failed")
		}
	}
	return examples, nil
}
