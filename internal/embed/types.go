// Package embed turns chunk text into dense and sparse vectors. Dense
// vectors come from HTTP embedding services (separate models for prose
// and code); sparse vectors come from a local lexical encoder by default,
// or a SPLADE-style HTTP service when configured. The coordinator fans
// batches out across both dense models concurrently under a global
// concurrency bound.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 32

	// MaxBatchSize caps request size to protect service memory.
	MaxBatchSize = 256

	// DefaultTimeout bounds a single embedding request.
	DefaultTimeout = 30 * time.Second

	// DefaultDimensions matches the default dense models.
	DefaultDimensions = 768

	// DefaultCacheSize is the query-embedding LRU capacity.
	DefaultCacheSize = 1000

	// MaxInputTokens is the per-text input cap enforced before every
	// dense embedding request. The chunkers keep chunks far below it;
	// the coordinator splits and mean-pools anything that still
	// exceeds it so no request carries over-cap input.
	MaxInputTokens = 8192
)

// DenseEmbedder produces fixed-dimension dense vectors.
type DenseEmbedder interface {
	// Embed embeds a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order; result[i] corresponds to texts[i].
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the backing service is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// SparseVector is a SPLADE-shaped term-weight vector. Indices are sorted
// ascending and unique; Values[i] weights Indices[i]. Terms carries the
// surface tokens for lexical search backends that match on text rather
// than vocabulary ids.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
	Terms   []string  `json:"-"`
}

// IsZero reports whether the vector carries no terms.
func (v SparseVector) IsZero() bool {
	return len(v.Indices) == 0
}

// SparseEncoder produces sparse vectors.
type SparseEncoder interface {
	Encode(ctx context.Context, text string) (SparseVector, error)
	EncodeBatch(ctx context.Context, texts []string) ([]SparseVector, error)
	Name() string
}

// Normalize scales v to unit length. Zero vectors pass through unchanged.
func Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
