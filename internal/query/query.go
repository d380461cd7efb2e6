// Package query turns a user query into ranked hits across the access
// set: resolve accessible datasets, embed once, search every collection
// in parallel, fuse the per-collection lists with reciprocal rank
// fusion, cut by threshold and topK, and optionally rerank.
package query

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

// Modes of retrieval.
const (
	ModeDense  = "dense"
	ModeHybrid = "hybrid"
)

// Defaults per the operation surface.
const (
	DefaultTopK      = 10
	DefaultThreshold = 0.5

	rrfConstant     = 60
	searchParallism = 4
)

// Phases reported through the progress callback.
const (
	PhaseResolve = "resolve"
	PhaseEmbed   = "embed"
	PhaseSearch  = "search"
	PhaseFuse    = "fuse"
	PhaseRerank  = "rerank"
	PhaseDone    = "done"
)

// Progress is one callback emission.
type Progress struct {
	Phase      string
	Percentage int
	Detail     string
}

// ProgressFunc receives progress callbacks. May be nil.
type ProgressFunc func(Progress)

// Request is one query. A non-positive TopK yields an empty response
// without touching the index (callers wanting the default pass
// DefaultTopK explicitly); a negative Threshold disables the
// similarity cut.
type Request struct {
	Query         string
	Project       string
	Dataset       string
	IncludeGlobal bool
	TopK          int
	Threshold     float64
	Mode          string

	// Filter narrows by provenance.
	Repo       string
	Language   string
	PathPrefix string

	Progress ProgressFunc
}

// Scoring is the per-hit score breakdown.
type Scoring struct {
	// Dense is the raw cosine similarity from the dense leg, 0 when the
	// hit surfaced only through sparse evidence.
	Dense float64 `json:"dense"`
	// Sparse is the hybrid leg's fused score, 0 when the hit surfaced
	// only through the dense leg.
	Sparse float64 `json:"sparse"`
	// Fused is the cross-collection RRF score.
	Fused float64 `json:"fused"`
	// Rerank is the cross-encoder score when reranking ran.
	Rerank float64 `json:"rerank,omitempty"`
	// Final orders the response.
	Final float64 `json:"final"`
}

// Hit is one ranked result.
type Hit struct {
	ID          string
	DatasetName string
	Collection  string
	Scoring     Scoring
	Payload     vecindex.Payload
}

// Response is a finished query.
type Response struct {
	Hits        []Hit
	AccessSet   []string // dataset ids consulted
	Collections int
	Latency     time.Duration
}

// Reranker re-scores (query, document) pairs with a cross-encoder.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Engine executes queries. rerank may be nil.
type Engine struct {
	meta     *metastore.Store
	index    vecindex.Index
	embedder *embed.Coordinator
	rerank   Reranker
	logger   *slog.Logger
}

// NewEngine wires a query engine over the shared stores.
func NewEngine(meta *metastore.Store, index vecindex.Index, embedder *embed.Coordinator, rerank Reranker) *Engine {
	return &Engine{
		meta:     meta,
		index:    index,
		embedder: embedder,
		rerank:   rerank,
		logger:   slog.Default().With("component", "query"),
	}
}

// candidate accumulates evidence for one hit id across lists.
type candidate struct {
	id         string
	dataset    string
	collection string
	payload    vecindex.Payload
	dense      float64
	sparse     float64
	fused      float64
	rerank     float64
	reranked   bool
	inserted   int
}

// Run executes one query end to end.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	report := func(phase string, pct int, detail string) {
		if req.Progress != nil {
			req.Progress(Progress{Phase: phase, Percentage: pct, Detail: detail})
		}
	}

	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.Project == "" {
		return nil, errors.New(errors.KindValidation, "project is required")
	}

	// An empty query or non-positive topK short-circuits without
	// touching the vector index. Zero is not a default here: callers
	// that mean "default" resolve it before reaching the engine.
	if req.Query == "" || req.TopK <= 0 {
		report(PhaseDone, 100, "empty query")
		return &Response{Hits: []Hit{}, Latency: time.Since(started)}, nil
	}

	report(PhaseResolve, 5, req.Project)
	// A project nobody has indexed yet has an empty access set, not an
	// error; a named dataset that does not exist is still NotFound.
	if _, err := e.meta.GetProject(ctx, req.Project); errors.IsKind(err, errors.KindNotFound) {
		report(PhaseDone, 100, "unknown project")
		return &Response{Hits: []Hit{}, Latency: time.Since(started)}, nil
	} else if err != nil {
		return nil, err
	}
	var requested []string
	if req.Dataset != "" {
		requested = []string{req.Dataset}
	}
	access, err := e.meta.AccessibleDatasets(ctx, req.Project, requested, req.IncludeGlobal)
	if err != nil {
		return nil, err
	}
	if len(access) == 0 {
		report(PhaseDone, 100, "empty access set")
		return &Response{Hits: []Hit{}, Latency: time.Since(started)}, nil
	}

	datasetIDs := make([]string, len(access))
	for i, a := range access {
		datasetIDs[i] = a.Dataset.ID
	}
	// The dataset IN-filter rides along on every index call; it is the
	// first line of defense against cross-dataset leakage.
	filter := vecindex.Filter{
		DatasetIDs: datasetIDs,
		Repo:       req.Repo,
		Language:   req.Language,
		PathPrefix: req.PathPrefix,
	}

	report(PhaseEmbed, 20, "")
	dense, sparse, err := e.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	k := fetchK(req.TopK)
	report(PhaseSearch, 35, "")
	lists, err := e.searchAll(ctx, access, dense, sparse, req.Mode, k, filter)
	if err != nil {
		return nil, err
	}

	report(PhaseFuse, 70, "")
	fused := fuseLists(lists)
	fused = e.cut(fused, req.Threshold, req.TopK)

	if e.rerank != nil && len(fused) > 0 {
		report(PhaseRerank, 85, "")
		fused = e.rerankCandidates(ctx, req.Query, fused)
	}

	allowed := make(map[string]bool, len(datasetIDs))
	for _, id := range datasetIDs {
		allowed[id] = true
	}
	names := make(map[string]string, len(access))
	for _, a := range access {
		names[a.Dataset.ID] = a.Dataset.Name
	}

	hits := make([]Hit, 0, len(fused))
	for _, c := range fused {
		if !allowed[c.payload.DatasetID] {
			return nil, errors.Newf(errors.KindInternal,
				"hit %s escaped the access set (dataset %s)", c.id, c.payload.DatasetID)
		}
		scoring := Scoring{
			Dense:  c.dense,
			Sparse: c.sparse,
			Fused:  c.fused,
			Final:  c.fused,
		}
		if c.reranked {
			scoring.Rerank = c.rerank
			scoring.Final = c.rerank
		}
		hits = append(hits, Hit{
			ID:          c.id,
			DatasetName: names[c.payload.DatasetID],
			Collection:  c.collection,
			Payload:     c.payload,
			Scoring:     scoring,
		})
	}

	report(PhaseDone, 100, "")
	e.logger.Debug("query finished",
		"project", req.Project, "collections", len(access),
		"hits", len(hits), "latency", time.Since(started))

	return &Response{
		Hits:        hits,
		AccessSet:   datasetIDs,
		Collections: len(access),
		Latency:     time.Since(started),
	}, nil
}

// fetchK is the per-collection over-fetch: k = min(50, max(topK·2, 20)).
func fetchK(topK int) int {
	k := topK * 2
	if k < 20 {
		k = 20
	}
	if k > 50 {
		k = 50
	}
	return k
}

// searchList is one ranked list from one collection leg. A scoreOnly
// list annotates raw dense similarities without contributing rank
// evidence to the fusion.
type searchList struct {
	collection string
	dataset    string
	sparseLeg  bool
	scoreOnly  bool
	hits       []vecindex.Hit
}

// searchAll queries every accessible collection in parallel. Each
// collection contributes exactly one ranked list to the fusion: the
// hybrid leg for hybrid collections, the dense leg otherwise. Hybrid
// collections additionally run a score-only dense pass so thresholding
// and scoring see comparable cosine similarities.
func (e *Engine) searchAll(ctx context.Context, access []metastore.AccessibleDataset, dense []float32, sparse embed.SparseVector, mode string, k int, filter vecindex.Filter) ([]searchList, error) {
	results := make([][]searchList, len(access))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchParallism)
	for i, a := range access {
		g.Go(func() error {
			collection := a.Binding.CollectionName
			hybrid := mode == ModeHybrid && a.Binding.IsHybrid && !sparse.IsZero()
			var lists []searchList

			denseHits, err := e.index.Search(gctx, collection, dense, k, -1, filter)
			if err != nil {
				return err
			}
			lists = append(lists, searchList{collection: collection, dataset: a.Dataset.ID, scoreOnly: hybrid, hits: denseHits})

			if hybrid {
				hybridHits, err := e.index.HybridSearch(gctx, collection, dense, sparse, k, filter)
				if err != nil {
					return err
				}
				lists = append(lists, searchList{collection: collection, dataset: a.Dataset.ID, sparseLeg: true, hits: hybridHits})
			}
			results[i] = lists
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var merged []searchList
	for _, lists := range results {
		merged = append(merged, lists...)
	}
	return merged, nil
}

// fuseLists merges ranked lists with reciprocal rank fusion. Ties break
// by raw dense similarity, then insertion order.
func fuseLists(lists []searchList) []*candidate {
	byID := map[string]*candidate{}
	var order []*candidate
	inserted := 0

	for _, list := range lists {
		if list.scoreOnly {
			continue
		}
		for rank, hit := range list.hits {
			c, ok := byID[hit.ID]
			if !ok {
				c = &candidate{
					id:         hit.ID,
					dataset:    list.dataset,
					collection: list.collection,
					payload:    hit.Payload,
					inserted:   inserted,
				}
				inserted++
				byID[hit.ID] = c
				order = append(order, c)
			}
			c.fused += 1.0 / float64(rrfConstant+rank+1)
			if list.sparseLeg {
				if hit.Score > c.sparse {
					c.sparse = hit.Score
				}
			} else {
				if hit.Score > c.dense {
					c.dense = hit.Score
				}
			}
		}
	}

	// Score-only lists annotate dense similarity onto candidates the
	// ranked lists surfaced, without weighting dense evidence twice.
	for _, list := range lists {
		if !list.scoreOnly {
			continue
		}
		for _, hit := range list.hits {
			if c, ok := byID[hit.ID]; ok && hit.Score > c.dense {
				c.dense = hit.Score
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].fused != order[j].fused {
			return order[i].fused > order[j].fused
		}
		if order[i].dense != order[j].dense {
			return order[i].dense > order[j].dense
		}
		return order[i].inserted < order[j].inserted
	})
	return order
}

// cut applies the similarity threshold and topK. The threshold applies
// to the best raw dense similarity; hits that surfaced only through the
// sparse leg carry no comparable similarity and pass on their lexical
// evidence.
func (e *Engine) cut(cands []*candidate, threshold float64, topK int) []*candidate {
	out := make([]*candidate, 0, topK)
	for _, c := range cands {
		if threshold >= 0 && c.dense > 0 && c.dense < threshold {
			continue
		}
		out = append(out, c)
		if len(out) == topK {
			break
		}
	}
	return out
}

// rerankCandidates reorders by cross-encoder score, keeping the fused
// rank as tiebreak. A rerank failure degrades to the fused order.
func (e *Engine) rerankCandidates(ctx context.Context, query string, cands []*candidate) []*candidate {
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = c.payload.Content
	}
	scores, err := e.rerank.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(cands) {
		e.logger.Warn("rerank failed, keeping fused order", "error", err)
		return cands
	}

	type ranked struct {
		c     *candidate
		score float64
		orig  int
	}
	rs := make([]ranked, len(cands))
	for i, c := range cands {
		c.rerank = scores[i]
		c.reranked = true
		rs[i] = ranked{c: c, score: scores[i], orig: i}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].orig < rs[j].orig
	})

	out := make([]*candidate, len(rs))
	for i, r := range rs {
		out[i] = r.c
	}
	return out
}
