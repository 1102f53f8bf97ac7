package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/engram/internal/llm"
)

// DefaultDimensions matches text-embedding-3-large. Every store sharing this
// Embedder must use the same dimensionality.
const DefaultDimensions = 3072

const (
	cacheNumCounters = 100_000
	cacheMaxCost     = 64 << 20 // 64MB of cached vectors
	batchConcurrency = 4
)

// Embedder generates fixed-dimension embeddings via an llm.Client, with a
// read-through cache so repeated texts (common for short user queries) skip
// the network round trip.
type Embedder struct {
	client       llm.Client
	model        string
	dimensions   int
	cache        *ristretto.Cache
	hashFallback bool
	logger       *slog.Logger
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithHashFallback makes Embed return a deterministic hash-based
// pseudo-embedding when the backend is unavailable instead of an error.
// Relevance quality is strictly worse; every fallback is logged as degraded.
func WithHashFallback() Option {
	return func(e *Embedder) { e.hashFallback = true }
}

// New creates an Embedder for the given client and model. If dimensions <= 0,
// DefaultDimensions is used.
func New(client llm.Client, model string, dimensions int, opts ...Option) (*Embedder, error) {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}

	e := &Embedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
		cache:      cache,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Dimensions returns the configured vector dimensionality.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Embed returns the embedding vector for text. Blank input yields a zero
// vector of the configured dimension so pipelines stay non-blocking. Backend
// failures wrap llm.ErrEmbeddingUnavailable unless the hash fallback is
// enabled.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dimensions), nil
	}

	if cached, ok := e.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		if e.hashFallback {
			e.logger.Warn("embedding backend unavailable, using degraded hash pseudo-embedding", "error", err)
			return HashVector(text, e.dimensions), nil
		}
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) != e.dimensions {
		return nil, fmt.Errorf("%w: backend returned %d dimensions, want %d",
			llm.ErrEmbeddingUnavailable, len(vec), e.dimensions)
	}

	e.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency) // Bound concurrency to avoid overwhelming the backend.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// HashVector produces a deterministic unit-norm pseudo-embedding from text.
// It carries no semantic signal beyond token overlap; it exists only so
// document ingestion can proceed when the backend is down and the deployment
// explicitly tolerates degraded relevance.
func HashVector(text string, dimensions int) []float32 {
	vec := make([]float32, dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()
		idx := int(sum % uint64(dimensions))
		// Alternate sign from a high bit so vectors are not all-positive.
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
