package query

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/scope"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

const testDims = 32

// testEmbedder derives pseudo-random unit vectors from a content hash,
// so identical texts collide exactly and different texts land far apart.
// Fixed vectors can be pinned per text to steer similarity in tests.
type testEmbedder struct {
	pinned map[string][]float32
}

func hashVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testDims)
	for i := 0; i < testDims; i++ {
		vec[i] = (float32(sum[i]) - 127.5) / 127.5
	}
	return embed.Normalize(vec)
}

func (e *testEmbedder) vector(text string) []float32 {
	if v, ok := e.pinned[text]; ok {
		return embed.Normalize(append([]float32(nil), v...))
	}
	return hashVector(text)
}

func (e *testEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *testEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *testEmbedder) Dimensions() int                { return testDims }
func (e *testEmbedder) ModelName() string              { return "test" }
func (e *testEmbedder) Available(context.Context) bool { return true }
func (e *testEmbedder) Close() error                   { return nil }

type fixture struct {
	meta     *metastore.Store
	index    *vecindex.Local
	embedder *testEmbedder
	sparse   *embed.LexicalEncoder
	coord    *embed.Coordinator
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	index, err := vecindex.NewLocal("", vecindex.LocalConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	embedder := &testEmbedder{pinned: map[string][]float32{}}
	sparse := embed.NewLexicalEncoder()
	coord := embed.NewCoordinator(embedder, nil, sparse, 16, 4)

	return &fixture{
		meta:     meta,
		index:    index,
		embedder: embedder,
		sparse:   sparse,
		coord:    coord,
		engine:   NewEngine(meta, index, coord, nil),
	}
}

// seed creates project/dataset/binding and indexes one point per content
// string, using the test embedder and lexical encoder for vectors.
func (f *fixture) seed(t *testing.T, project, dataset string, contents ...string) string {
	t.Helper()
	ctx := context.Background()

	p, err := f.meta.GetOrCreateProject(ctx, project)
	require.NoError(t, err)
	d, err := f.meta.GetOrCreateDataset(ctx, p, dataset)
	require.NoError(t, err)
	collection := scope.CollectionName(project, dataset)

	require.NoError(t, f.meta.UpsertBinding(ctx, metastore.Binding{
		DatasetID:      d.ID,
		CollectionName: collection,
		Backend:        metastore.BackendLocal,
		Dimension:      testDims,
		IsHybrid:       true,
	}))
	require.NoError(t, f.index.CreateHybridCollection(ctx, collection, testDims))

	points := make([]vecindex.Point, 0, len(contents))
	for i, content := range contents {
		sv, err := f.sparse.Encode(ctx, content)
		require.NoError(t, err)
		points = append(points, vecindex.Point{
			ID:     collection + "-" + string(rune('a'+i)),
			Dense:  f.embedder.vector(content),
			Sparse: sv,
			Payload: vecindex.Payload{
				ProjectID:  p.ID,
				DatasetID:  d.ID,
				SourceType: "code",
				Path:       "doc.md",
				Content:    content,
			},
		})
	}
	require.NoError(t, f.index.Upsert(ctx, collection, points))
	require.NoError(t, f.meta.UpdateBindingCount(ctx, d.ID, metastore.BackendLocal, int64(len(points))))
	return d.ID
}

func TestEmptyQueryShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs", "some content")

	res, err := f.engine.Run(context.Background(), Request{Query: "", Project: "acme", TopK: DefaultTopK})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Empty(t, res.AccessSet)
}

func TestEmptyAccessSetShortCircuits(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Run(context.Background(), Request{Query: "anything", Project: "ghost", TopK: DefaultTopK})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Equal(t, 0, res.Collections)
}

func TestExactMatchRanksFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs",
		"configure the login flow",
		"unrelated release notes",
		"database connection pooling")

	res, err := f.engine.Run(context.Background(), Request{
		Query: "configure the login flow", Project: "acme", TopK: DefaultTopK, Threshold: -1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "configure the login flow", res.Hits[0].Payload.Content)
	assert.InDelta(t, 1.0, res.Hits[0].Scoring.Dense, 1e-3)
}

func TestDatasetIsolation(t *testing.T) {
	f := newFixture(t)
	alphaID := f.seed(t, "acme", "alpha", "alpha only")
	betaID := f.seed(t, "acme", "beta", "beta only")

	res, err := f.engine.Run(context.Background(), Request{
		Query: "alpha only", Project: "acme", Dataset: "alpha", TopK: DefaultTopK, Threshold: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, alphaID, res.Hits[0].Payload.DatasetID)

	res, err = f.engine.Run(context.Background(), Request{
		Query: "alpha only", Project: "acme", Dataset: "beta", TopK: DefaultTopK, Threshold: 0.9,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Hits, "beta-scoped query must not see alpha content")
	assert.Equal(t, []string{betaID}, res.AccessSet)
}

func TestProjectIsolationWithoutShares(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", "secret", "classified payload data")
	f.seed(t, "p2", "public", "harmless notes")

	res, err := f.engine.Run(context.Background(), Request{
		Query: "classified payload data", Project: "p2", TopK: DefaultTopK, Threshold: -1,
	})
	require.NoError(t, err)
	for _, h := range res.Hits {
		assert.NotEqual(t, "classified payload data", h.Payload.Content)
	}
}

func TestShareGrantAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docsID := f.seed(t, "owner", "docs", "shared architecture overview")
	_, err := f.meta.GetOrCreateProject(ctx, "grantee")
	require.NoError(t, err)

	// Before the grant: no access.
	res, err := f.engine.Run(ctx, Request{Query: "shared architecture overview", Project: "grantee", TopK: DefaultTopK, Threshold: -1})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	require.NoError(t, f.meta.CreateShare(ctx, "owner", "grantee", metastore.PermissionRead))
	res, err = f.engine.Run(ctx, Request{Query: "shared architecture overview", Project: "grantee", TopK: DefaultTopK, Threshold: -1})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, docsID, res.Hits[0].Payload.DatasetID)

	require.NoError(t, f.meta.DeleteShare(ctx, "owner", "grantee"))
	res, err = f.engine.Run(ctx, Request{Query: "shared architecture overview", Project: "grantee", TopK: DefaultTopK, Threshold: -1})
	require.NoError(t, err)
	assert.Empty(t, res.Hits, "revoked share must disappear immediately")
}

func TestHybridFusionSurfacesLexicalAndSemantic(t *testing.T) {
	f := newFixture(t)

	// The semantic doc shares the query's pinned vector but none of its
	// words; the lexical doc contains the query words verbatim but sits
	// in an orthogonal region of embedding space.
	qvec := make([]float32, testDims)
	qvec[0] = 1
	ortho := make([]float32, testDims)
	ortho[1] = 1
	f.embedder.pinned["auth middleware"] = qvec
	f.embedder.pinned["request interceptor verifying identity tokens"] = qvec
	f.embedder.pinned["the auth middleware rejects expired sessions"] = ortho

	f.seed(t, "acme", "code",
		"request interceptor verifying identity tokens",
		"the auth middleware rejects expired sessions")

	res, err := f.engine.Run(context.Background(), Request{
		Query: "auth middleware", Project: "acme", Threshold: -1, TopK: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)

	got := map[string]bool{}
	for _, h := range res.Hits {
		got[h.Payload.Content] = true
	}
	assert.True(t, got["request interceptor verifying identity tokens"], "semantic hit missing")
	assert.True(t, got["the auth middleware rejects expired sessions"], "lexical hit missing")
}

func TestThresholdCutsWeakHits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs", "precise target phrase", "completely different subject matter")

	res, err := f.engine.Run(context.Background(), Request{
		Query: "precise target phrase", Project: "acme", TopK: DefaultTopK, Threshold: 0.95, Mode: ModeDense,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "precise target phrase", res.Hits[0].Payload.Content)
}

type fakeReranker struct {
	scores []float64
	calls  int
}

func (r *fakeReranker) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	r.calls++
	return r.scores[:len(docs)], nil
}

func TestRerankerReorders(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs", "first document body", "second document body")

	rr := &fakeReranker{scores: []float64{0.1, 0.9}}
	f.engine.rerank = rr

	res, err := f.engine.Run(context.Background(), Request{
		Query: "first document body", Project: "acme", Threshold: -1, TopK: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, 1, rr.calls)
	// The reranker flipped the order regardless of fused scores.
	assert.Greater(t, res.Hits[0].Scoring.Rerank, res.Hits[1].Scoring.Rerank)
	assert.Equal(t, res.Hits[0].Scoring.Rerank, res.Hits[0].Scoring.Final)
}

func TestProgressPhasesInOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs", "progress fixture content")

	var phases []string
	_, err := f.engine.Run(context.Background(), Request{
		Query: "progress fixture content", Project: "acme", TopK: DefaultTopK, Threshold: -1,
		Progress: func(p Progress) { phases = append(phases, p.Phase) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{PhaseResolve, PhaseEmbed, PhaseSearch, PhaseFuse, PhaseDone}, phases)
}

// countingIndex wraps the local backend and counts retrieval calls.
type countingIndex struct {
	*vecindex.Local
	searches int
}

func (c *countingIndex) Search(ctx context.Context, name string, q []float32, k int, threshold float64, filter vecindex.Filter) ([]vecindex.Hit, error) {
	c.searches++
	return c.Local.Search(ctx, name, q, k, threshold, filter)
}

func (c *countingIndex) HybridSearch(ctx context.Context, name string, dense []float32, sparse embed.SparseVector, k int, filter vecindex.Filter) ([]vecindex.Hit, error) {
	c.searches++
	return c.Local.HybridSearch(ctx, name, dense, sparse, k, filter)
}

func TestZeroTopKReturnsNoHitsWithoutSearching(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs", "indexed content")

	counting := &countingIndex{Local: f.index}
	engine := NewEngine(f.meta, counting, f.coord, nil)

	for _, k := range []int{0, -3} {
		res, err := engine.Run(context.Background(), Request{
			Query: "indexed content", Project: "acme", TopK: k, Threshold: -1,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Hits)
	}
	assert.Zero(t, counting.searches, "non-positive topK must not reach the index")
}

func TestHybridCollectionContributesOneRankedList(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", "docs", "fusion weight fixture", "unrelated other body")

	res, err := f.engine.Run(context.Background(), Request{
		Query: "fusion weight fixture", Project: "acme", TopK: 2, Threshold: -1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)

	// Rank 1 in a single ranked list fuses to exactly 1/(c+1); a dense
	// leg feeding the fusion alongside the hybrid leg would double it.
	top := res.Hits[0]
	assert.Equal(t, "fusion weight fixture", top.Payload.Content)
	assert.InDelta(t, 1.0/float64(rrfConstant+1), top.Scoring.Fused, 1e-9)
	// The score-only dense pass still annotates the raw similarity.
	assert.InDelta(t, 1.0, top.Scoring.Dense, 1e-3)
}

func TestFetchK(t *testing.T) {
	assert.Equal(t, 20, fetchK(5))
	assert.Equal(t, 20, fetchK(10))
	assert.Equal(t, 30, fetchK(15))
	assert.Equal(t, 50, fetchK(40))
}
