package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps a DenseEmbedder with an LRU so repeated query
// embeddings skip the service round trip.
type CachedEmbedder struct {
	inner DenseEmbedder
	cache *lru.Cache[string, []float32]
}

var _ DenseEmbedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache of the given capacity.
func NewCachedEmbedder(inner DenseEmbedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{inner: inner, cache: cache}
}

// cacheKey hashes text together with the model so two models pointed at
// the same cache never collide.
func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + c.inner.ModelName()))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached vector when present.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch checks the cache per text and only sends misses downstream.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		results[i] = fresh[j]
		c.cache.Add(c.cacheKey(texts[i]), fresh[j])
	}
	return results, nil
}

func (c *CachedEmbedder) Dimensions() int                     { return c.inner.Dimensions() }
func (c *CachedEmbedder) ModelName() string                   { return c.inner.ModelName() }
func (c *CachedEmbedder) Available(ctx context.Context) bool  { return c.inner.Available(ctx) }
func (c *CachedEmbedder) Close() error                        { return c.inner.Close() }
