package vecindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
)

func newMemIndex(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal("", LocalConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func vec(dims int, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func sparseFor(text string) embed.SparseVector {
	v, _ := embed.NewLexicalEncoder().Encode(context.Background(), text)
	return v
}

func point(id string, hot int, dataset, path, content string) Point {
	return Point{
		ID:     id,
		Dense:  vec(4, hot),
		Sparse: sparseFor(content),
		Payload: Payload{
			ProjectID:  "p1",
			DatasetID:  dataset,
			SourceType: "local",
			Path:       path,
			Content:    content,
		},
	}
}

func TestCollectionLifecycle(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()

	ok, err := l.HasCollection(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.CreateHybridCollection(ctx, "c", 4))
	require.NoError(t, l.CreateHybridCollection(ctx, "c", 4)) // idempotent

	err = l.CreateCollection(ctx, "c", 8)
	assert.Equal(t, errors.KindDimensionMismatch, errors.KindOf(err))

	ok, _ = l.HasCollection(ctx, "c")
	assert.True(t, ok)

	require.NoError(t, l.DropCollection(ctx, "c"))
	err = l.DropCollection(ctx, "c")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestUpsertValidatesDimension(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))

	err := l.Upsert(ctx, "c", []Point{{ID: "x", Dense: []float32{1, 2}}})
	assert.Equal(t, errors.KindDimensionMismatch, errors.KindOf(err))

	_, err = l.Search(ctx, "missing", vec(4, 0), 5, -1, Filter{})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestDenseSearchRanksByCosine(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))

	require.NoError(t, l.Upsert(ctx, "c", []Point{
		point("a", 0, "d1", "a.go", "alpha"),
		point("b", 1, "d1", "b.go", "beta"),
		point("c", 2, "d1", "c.go", "gamma"),
	}))

	hits, err := l.Search(ctx, "c", []float32{0.9, 0.1, 0, 0}, 2, -1, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.9)

	// Threshold removes weak matches.
	hits, err = l.Search(ctx, "c", vec(4, 0), 10, 0.99, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestUpsertIsIdempotentByID(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))

	require.NoError(t, l.Upsert(ctx, "c", []Point{point("a", 0, "d1", "a.go", "old content")}))
	require.NoError(t, l.Upsert(ctx, "c", []Point{point("a", 1, "d1", "a.go", "new content")}))

	n, err := l.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hits, err := l.Search(ctx, "c", vec(4, 1), 1, -1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "new content", hits[0].Payload.Content)
}

func TestDeleteHidesPoints(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))
	require.NoError(t, l.Upsert(ctx, "c", []Point{
		point("a", 0, "d1", "a.go", "alpha"),
		point("b", 1, "d1", "b.go", "beta"),
	}))

	require.NoError(t, l.Delete(ctx, "c", []string{"a", "never-existed"}))

	n, _ := l.Count(ctx, "c")
	assert.Equal(t, int64(1), n)

	hits, err := l.Search(ctx, "c", vec(4, 0), 5, -1, Filter{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.ID)
	}
}

func TestFilterConstrainsResults(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))
	require.NoError(t, l.Upsert(ctx, "c", []Point{
		point("a", 0, "d1", "src/a.go", "alpha"),
		point("b", 0, "d2", "src/b.go", "beta"),
		point("c", 0, "d1", "docs/c.md", "gamma"),
	}))

	hits, err := l.Search(ctx, "c", vec(4, 0), 10, -1, Filter{DatasetIDs: []string{"d1"}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "d1", h.Payload.DatasetID)
	}

	hits, err = l.Search(ctx, "c", vec(4, 0), 10, -1, Filter{DatasetIDs: []string{"d1"}, PathPrefix: "src/"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestHybridSearchFusesSparseEvidence(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateHybridCollection(ctx, "c", 4))

	// "b" is dense-far from the query but matches the query terms.
	require.NoError(t, l.Upsert(ctx, "c", []Point{
		point("a", 0, "d1", "a.go", "unrelated words entirely"),
		point("b", 1, "d1", "b.go", "handleLogin validates the session token"),
		point("c", 2, "d1", "c.go", "other things"),
	}))

	dense := vec(4, 0)
	sparse := sparseFor("login session token")

	hits, err := l.HybridSearch(ctx, "c", dense, sparse, 3, Filter{DatasetIDs: []string{"d1"}})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.ID] = true
	}
	assert.True(t, ids["b"], "sparse evidence should surface b")

	// Deterministic across runs.
	again, err := l.HybridSearch(ctx, "c", dense, sparse, 3, Filter{DatasetIDs: []string{"d1"}})
	require.NoError(t, err)
	assert.Equal(t, hitIDs(hits), hitIDs(again))
}

func TestHybridDegradesToDenseWithoutSparse(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))
	require.NoError(t, l.Upsert(ctx, "c", []Point{point("a", 0, "d1", "a.go", "alpha")}))

	hits, err := l.HybridSearch(ctx, "c", vec(4, 0), embed.SparseVector{}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestScrollPagesInIDOrder(t *testing.T) {
	l := newMemIndex(t)
	ctx := context.Background()
	require.NoError(t, l.CreateCollection(ctx, "c", 4))
	require.NoError(t, l.Upsert(ctx, "c", []Point{
		point("c", 0, "d1", "c.go", "gamma"),
		point("a", 1, "d1", "a.go", "alpha"),
		point("b", 2, "d1", "b.go", "beta"),
	}))

	page, err := l.Scroll(ctx, "c", 2, 0, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, hitIDs(page))

	page, err = l.Scroll(ctx, "c", 2, 2, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, hitIDs(page))
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := NewLocal(dir, LocalConfig{})
	require.NoError(t, err)
	require.NoError(t, l.CreateHybridCollection(ctx, "proj_app_dataset_code", 4))
	require.NoError(t, l.Upsert(ctx, "proj_app_dataset_code", []Point{
		point("a", 0, "d1", "a.go", "parse http request headers"),
		point("b", 1, "d1", "b.go", "render template output"),
	}))
	require.NoError(t, l.Close())

	reopened, err := NewLocal(dir, LocalConfig{})
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.HasCollection(ctx, "proj_app_dataset_code")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := reopened.Count(ctx, "proj_app_dataset_code")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hits, err := reopened.HybridSearch(ctx, "proj_app_dataset_code",
		vec(4, 0), sparseFor("http request"), 2, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "parse http request headers", hits[0].Payload.Content)
}

func hitIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}
