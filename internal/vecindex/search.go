package vecindex

import (
	"context"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/coder/hnsw"

	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
)

// rrfConstant is the reciprocal-rank-fusion damping constant used when
// merging the dense and sparse legs of one hybrid search.
const rrfConstant = 60

// overFetchFactor compensates for filtered-out and lazily deleted nodes.
const overFetchFactor = 4

// Upsert writes points idempotently by id. Re-upserting an id replaces
// its vector, sparse terms, and payload.
func (l *Local) Upsert(_ context.Context, name string, points []Point) error {
	c, err := l.get(name)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range points {
		if len(p.Dense) != c.dims {
			return errors.Newf(errors.KindDimensionMismatch,
				"point %s has dimension %d, collection %s expects %d", p.ID, len(p.Dense), name, c.dims)
		}
	}

	var batch *bleve.Batch
	if c.sparse != nil {
		batch = c.sparse.NewBatch()
	}

	for _, p := range points {
		if oldKey, exists := c.idMap[p.ID]; exists {
			// Lazy delete: orphan the graph node instead of removing it.
			delete(c.keyMap, oldKey)
		}
		key := c.nextKey
		c.nextKey++

		vec := make([]float32, len(p.Dense))
		copy(vec, p.Dense)
		c.graph.Add(hnsw.MakeNode(key, vec))
		c.idMap[p.ID] = key
		c.keyMap[key] = p.ID
		c.payloads[p.ID] = p.Payload

		if batch != nil {
			if len(p.Sparse.Terms) > 0 {
				if err := batch.Index(p.ID, sparseDoc{Terms: strings.Join(p.Sparse.Terms, " ")}); err != nil {
					return errors.Wrap(errors.KindIO, "index sparse terms", err)
				}
			} else {
				batch.Delete(p.ID)
			}
		}
	}

	if batch != nil {
		if err := c.sparse.Batch(batch); err != nil {
			return errors.Wrap(errors.KindIO, "write sparse batch", err)
		}
	}
	return nil
}

// Delete removes points by id. Unknown ids are ignored.
func (l *Local) Delete(_ context.Context, name string, ids []string) error {
	c, err := l.get(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch *bleve.Batch
	if c.sparse != nil {
		batch = c.sparse.NewBatch()
	}
	for _, id := range ids {
		if key, exists := c.idMap[id]; exists {
			delete(c.keyMap, key)
			delete(c.idMap, id)
			delete(c.payloads, id)
			if batch != nil {
				batch.Delete(id)
			}
		}
	}
	if batch != nil {
		if err := c.sparse.Batch(batch); err != nil {
			return errors.Wrap(errors.KindIO, "delete sparse batch", err)
		}
	}
	return nil
}

// Search runs dense retrieval with optional score threshold and payload
// filter.
func (l *Local) Search(_ context.Context, name string, query []float32, k int, threshold float64, filter Filter) ([]Hit, error) {
	c, err := l.get(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.denseSearch(query, k, threshold, filter)
}

func (c *collection) denseSearch(query []float32, k int, threshold float64, filter Filter) ([]Hit, error) {
	if len(query) != c.dims {
		return nil, errors.Newf(errors.KindDimensionMismatch,
			"query has dimension %d, collection %s expects %d", len(query), c.name, c.dims)
	}
	if c.graph.Len() == 0 || k <= 0 {
		return []Hit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	q = embed.Normalize(q)

	nodes := c.graph.Search(q, k*overFetchFactor)
	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		id, live := c.keyMap[node.Key]
		if !live {
			continue // lazily deleted
		}
		payload := c.payloads[id]
		if !filter.IsZero() && !filter.Matches(payload) {
			continue
		}
		score := 1 - float64(c.graph.Distance(q, node.Value))
		if threshold >= 0 && score < threshold {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score, Payload: payload})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (c *collection) sparseSearch(ctx context.Context, sparse embed.SparseVector, k int, filter Filter) ([]Hit, error) {
	if c.sparse == nil || len(sparse.Terms) == 0 || k <= 0 {
		return []Hit{}, nil
	}

	// Weighted disjunction: each query term boosted by its sparse weight.
	queries := make([]query.Query, 0, len(sparse.Terms))
	for i, term := range sparse.Terms {
		mq := bleve.NewMatchQuery(term)
		mq.SetField("terms")
		if i < len(sparse.Values) {
			mq.SetBoost(float64(sparse.Values[i]))
		}
		queries = append(queries, mq)
	}
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(queries...))
	req.Size = k * overFetchFactor

	result, err := c.sparse.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "sparse search", err)
	}

	hits := make([]Hit, 0, k)
	for _, hit := range result.Hits {
		payload, live := c.payloads[hit.ID]
		if !live {
			continue
		}
		if !filter.IsZero() && !filter.Matches(payload) {
			continue
		}
		hits = append(hits, Hit{ID: hit.ID, Score: hit.Score, Payload: payload})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// HybridSearch fuses the dense and sparse legs with reciprocal rank
// fusion. On a dense-only collection, or when the sparse query is empty,
// it degrades to dense search.
func (l *Local) HybridSearch(ctx context.Context, name string, dense []float32, sparse embed.SparseVector, k int, filter Filter) ([]Hit, error) {
	c, err := l.get(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	denseHits, err := c.denseSearch(dense, k, -1, filter)
	if err != nil {
		return nil, err
	}
	sparseHits, err := c.sparseSearch(ctx, sparse, k, filter)
	if err != nil {
		return nil, err
	}
	if len(sparseHits) == 0 {
		if len(denseHits) > k {
			denseHits = denseHits[:k]
		}
		return denseHits, nil
	}
	return fuseRRF(denseHits, sparseHits, k), nil
}

// fuseRRF merges two ranked lists with score 1/(rrfConstant+rank).
// Ties break deterministically: fused score, then presence in both
// lists, then raw dense score, then id.
func fuseRRF(denseHits, sparseHits []Hit, k int) []Hit {
	type fused struct {
		hit      Hit
		score    float64
		inBoth   bool
		rawDense float64
	}
	merged := map[string]*fused{}

	for rank, h := range denseHits {
		merged[h.ID] = &fused{hit: h, score: 1.0 / float64(rrfConstant+rank+1), rawDense: h.Score}
	}
	for rank, h := range sparseHits {
		if f, ok := merged[h.ID]; ok {
			f.score += 1.0 / float64(rrfConstant+rank+1)
			f.inBoth = true
		} else {
			merged[h.ID] = &fused{hit: h, score: 1.0 / float64(rrfConstant+rank+1)}
		}
	}

	out := make([]*fused, 0, len(merged))
	for _, f := range merged {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].inBoth != out[j].inBoth {
			return out[i].inBoth
		}
		if out[i].rawDense != out[j].rawDense {
			return out[i].rawDense > out[j].rawDense
		}
		return out[i].hit.ID < out[j].hit.ID
	})

	if len(out) > k {
		out = out[:k]
	}
	hits := make([]Hit, len(out))
	for i, f := range out {
		hits[i] = f.hit
		hits[i].Score = f.score
	}
	return hits
}

// Scroll pages through live points in id order.
func (l *Local) Scroll(_ context.Context, name string, limit, offset int, filter Filter) ([]Hit, error) {
	c, err := l.get(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.idMap))
	for id := range c.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if limit <= 0 {
		limit = 100
	}
	hits := make([]Hit, 0, limit)
	skipped := 0
	for _, id := range ids {
		payload := c.payloads[id]
		if !filter.IsZero() && !filter.Matches(payload) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		hits = append(hits, Hit{ID: id, Score: 0, Payload: payload})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}
