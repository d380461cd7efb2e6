package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

type stubEmbedder struct{ dims int }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, _ := s.EmbedBatch(ctx, []string{text})
	return v[0], nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, s.dims)
		for j, r := range t {
			vec[j%s.dims] += float32(r % 7)
		}
		out[i] = embed.Normalize(vec)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int                { return s.dims }
func (s *stubEmbedder) ModelName() string              { return "stub" }
func (s *stubEmbedder) Available(context.Context) bool { return true }
func (s *stubEmbedder) Close() error                   { return nil }

type fixture struct {
	meta   *metastore.Store
	index  *vecindex.Local
	syncer *Syncer
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	index, err := vecindex.NewLocal("", vecindex.LocalConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	coord := embed.NewCoordinator(&stubEmbedder{dims: 8}, nil, embed.NewLexicalEncoder(), 16, 4)
	snapshots := merkle.NewStore(t.TempDir())
	ingestor := ingest.New(meta, index, coord, snapshots, ingest.Config{Hybrid: true})

	return &fixture{
		meta:   meta,
		index:  index,
		syncer: New(meta, index, ingestor, snapshots),
		root:   t.TempDir(),
	}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) request() Request {
	return Request{Project: "app", Dataset: "code", Root: f.root}
}

func (f *fixture) datasetID(t *testing.T) string {
	t.Helper()
	p, err := f.meta.GetProject(context.Background(), "app")
	require.NoError(t, err)
	d, err := f.meta.GetDataset(context.Background(), p.ID, "code")
	require.NoError(t, err)
	return d.ID
}

func TestDiffClassifiesAllKinds(t *testing.T) {
	prev := map[string]string{
		"kept.go":    "h1",
		"changed.go": "h2",
		"gone.go":    "h3",
		"old.md":     "h4",
	}
	curr := map[string]string{
		"kept.go":    "h1",
		"changed.go": "h2x",
		"new.go":     "h5",
		"moved.md":   "h4",
	}

	changes := Diff(prev, curr)
	require.Len(t, changes, 4)
	assert.Equal(t, Change{Kind: Added, Path: "new.go"}, changes[0])
	assert.Equal(t, Change{Kind: Modified, Path: "changed.go"}, changes[1])
	assert.Equal(t, Change{Kind: Deleted, Path: "gone.go"}, changes[2])
	assert.Equal(t, Change{Kind: Renamed, Path: "moved.md", OldPath: "old.md"}, changes[3])
}

func TestDiffRenamePairingIsDeterministic(t *testing.T) {
	prev := map[string]string{"a.txt": "same", "b.txt": "same"}
	curr := map[string]string{"x.txt": "same", "y.txt": "same", "z.txt": "same"}

	changes := Diff(prev, curr)
	require.Len(t, changes, 3)
	// Sorted pairing: a→x, b→y, z is a plain add.
	assert.Equal(t, Change{Kind: Added, Path: "z.txt"}, changes[0])
	assert.Equal(t, Change{Kind: Renamed, Path: "x.txt", OldPath: "a.txt"}, changes[1])
	assert.Equal(t, Change{Kind: Renamed, Path: "y.txt", OldPath: "b.txt"}, changes[2])
}

func TestDiffEmptyWhenEqual(t *testing.T) {
	files := map[string]string{"a.go": "h1"}
	assert.Empty(t, Diff(files, files))
}

func TestSyncFullThenUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "main.go", "package main\n")
	f.write(t, "README.md", "# readme\n")

	first, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, StatusFull, first.Status)
	assert.Greater(t, first.PointCount, int64(0))

	second, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, second.Status)
	assert.Equal(t, first.PointCount, second.PointCount)
}

func TestSyncAppliesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "keep.md", "# keep\n")
	f.write(t, "edit.md", "# before\n")
	f.write(t, "remove.md", "# remove me\n")

	_, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)

	f.write(t, "edit.md", "# after, with different content\n")
	f.write(t, "fresh.md", "# brand new\n")
	require.NoError(t, os.Remove(filepath.Join(f.root, "remove.md")))

	res, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, res.Status)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Modified)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Renamed)

	datasetID := f.datasetID(t)
	removed, err := f.meta.ChunkIDsForSource(ctx, datasetID, "remove.md")
	require.NoError(t, err)
	assert.Empty(t, removed, "deleted file keeps no shadow rows")

	fresh, err := f.meta.ChunkIDsForSource(ctx, datasetID, "fresh.md")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh)

	count, err := f.index.Count(ctx, "project_app_dataset_code")
	require.NoError(t, err)
	assert.Equal(t, count, res.PointCount)

	// The index holds no points for the removed file.
	hits, err := f.index.Scroll(ctx, "project_app_dataset_code", 100, 0, vecindex.Filter{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "remove.md", h.Payload.Path)
	}
}

func TestSyncRenameMovesWithoutReembedding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "docs/old-name.md", "# identical content survives a rename\n")

	_, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)

	datasetID := f.datasetID(t)
	before, err := f.meta.ChunkIDsForSource(ctx, datasetID, "docs/old-name.md")
	require.NoError(t, err)
	require.NotEmpty(t, before)

	require.NoError(t, os.Rename(
		filepath.Join(f.root, "docs/old-name.md"),
		filepath.Join(f.root, "docs/new-name.md")))

	res, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Renamed)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 0, res.Deleted)

	// Same chunk ids, new source key and payload path.
	after, err := f.meta.ChunkIDsForSource(ctx, datasetID, "docs/new-name.md")
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)

	hits, err := f.index.Scroll(ctx, "project_app_dataset_code", 100, 0, vecindex.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "docs/new-name.md", h.Payload.Path)
	}
}

func TestSyncDeleteOnlyUpdatesBindingCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.md", "# a\n")
	f.write(t, "b.md", "# b\n")

	_, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.root, "b.md")))
	res, err := f.syncer.Sync(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	datasetID := f.datasetID(t)
	binding, err := f.meta.GetBinding(ctx, datasetID, metastore.BackendLocal)
	require.NoError(t, err)
	assert.Equal(t, res.PointCount, binding.PointCount)
}
