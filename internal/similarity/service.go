// Package similarity computes pairwise cosine similarity over council
// member responses. A Service is scoped to a single request so that its
// embedding cache never leaks across requests.
package similarity

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/embedding"
	"github.com/councilproxy/councilproxy/internal/models"
)

// Service embeds texts and builds the similarity matrix consumed by the
// consensus loop. Create one per request with NewService; the wrapped
// request cache means a text repeated across negotiation rounds is
// embedded exactly once.
type Service struct {
	embedder  *embedding.RequestCache
	threshold float64
	log       *logrus.Logger
}

// NewService wraps the embedder with a request-scoped cache. The threshold
// marks pairs reported in BelowThresholdPairs.
func NewService(embedder embedding.Embedder, agreementThreshold float64, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		embedder:  embedding.NewRequestCache(embedder),
		threshold: agreementThreshold,
		log:       log,
	}
}

// ModelID identifies the embedding model backing this service.
func (s *Service) ModelID() string {
	return s.embedder.ModelID()
}

// CacheStats reports distinct texts cached and cache hits for this request.
func (s *Service) CacheStats() (size, hits int) {
	return s.embedder.Len(), s.embedder.Hits()
}

// Compare embeds each text and returns the pairwise cosine matrix. The
// matrix is symmetric with a forced 1.0 diagonal; AverageSimilarity is the
// mean of the strict upper triangle. A single text trivially agrees with
// itself, so n=1 yields AverageSimilarity 1.0.
func (s *Service) Compare(ctx context.Context, texts []string) (*models.SimilarityResult, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to compare")
	}

	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		vectors[i] = vec
	}

	n := len(vectors)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1.0
	}

	var sum float64
	minSim, maxSim := 1.0, 1.0
	var below []models.SimilarityPair
	pairs := 0

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := cosineSimilarity(vectors[i], vectors[j])
			matrix[i][j] = sim
			matrix[j][i] = sim

			sum += sim
			pairs++
			if pairs == 1 {
				minSim, maxSim = sim, sim
			} else {
				minSim = math.Min(minSim, sim)
				maxSim = math.Max(maxSim, sim)
			}
			if sim < s.threshold {
				below = append(below, models.SimilarityPair{I: i, J: j, Similarity: sim})
			}
		}
	}

	avg := 1.0
	if pairs > 0 {
		avg = sum / float64(pairs)
	}

	s.log.WithFields(logrus.Fields{
		"texts":          n,
		"avg_similarity": avg,
		"below_pairs":    len(below),
	}).Debug("Similarity matrix computed")

	return &models.SimilarityResult{
		Matrix:              matrix,
		AverageSimilarity:   avg,
		MinSimilarity:       minSim,
		MaxSimilarity:       maxSim,
		BelowThresholdPairs: below,
	}, nil
}

// cosineSimilarity calculates cosine similarity between two vectors.
// Zero-magnitude or mismatched vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
