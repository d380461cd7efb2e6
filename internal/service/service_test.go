package service

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/config"
	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

const testDims = 32

type hashEmbedder struct{}

func (hashEmbedder) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testDims)
	for i := 0; i < testDims; i++ {
		vec[i] = (float32(sum[i]) - 127.5) / 127.5
	}
	return embed.Normalize(vec)
}

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (hashEmbedder) Dimensions() int                { return testDims }
func (hashEmbedder) ModelName() string              { return "test" }
func (hashEmbedder) Available(context.Context) bool { return true }
func (hashEmbedder) Close() error                   { return nil }

type fixture struct {
	svc  *Service
	meta *metastore.Store
	cfg  *config.Config
}

func newFixture(t *testing.T, crawler PageProducer) *fixture {
	t.Helper()

	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = dataDir
	cfg.Paths.SnapshotDir = filepath.Join(dataDir, "merkle")
	cfg.Paths.DefaultsFile = filepath.Join(dataDir, "claude-mcp.json")
	cfg.Embeddings.Dimensions = testDims
	cfg.Sync.DebounceWindow = 50 * time.Millisecond

	meta, err := metastore.Open("")
	require.NoError(t, err)
	index, err := vecindex.NewLocal("", vecindex.LocalConfig{})
	require.NoError(t, err)

	coord := embed.NewCoordinator(hashEmbedder{}, nil, embed.NewLexicalEncoder(), 16, 4)
	svc := New(cfg, Deps{
		Meta:      meta,
		Index:     index,
		Embedder:  coord,
		Snapshots: merkle.NewStore(cfg.Paths.SnapshotDir),
		Crawler:   crawler,
	})
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{svc: svc, meta: meta, cfg: cfg}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestDefaultsRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.svc.GetDefaults()
	require.NoError(t, err)
	assert.Zero(t, d)

	require.NoError(t, f.svc.SetDefaults("Acme Inc", "My Docs"))
	d, err = f.svc.GetDefaults()
	require.NoError(t, err)
	assert.Equal(t, "acme_inc", d.Project)
	assert.Equal(t, "my_docs", d.Dataset)

	err = f.svc.SetDefaults("???", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestAutoScopeDerivation(t *testing.T) {
	f := newFixture(t, nil)
	root := writeTree(t, map[string]string{"main.go": "package main\n"})

	res, err := f.svc.AutoScope(root, SourceLocal, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root), res.ProjectName)
	assert.Equal(t, "code", res.DatasetName)
	assert.NotEmpty(t, res.ProjectID)

	res, err = f.svc.AutoScope("", SourceGit, "git@github.com:acme/widget-factory.git")
	require.NoError(t, err)
	assert.Equal(t, "widget_factory", res.ProjectName)
	assert.Equal(t, "widget_factory", res.DatasetName)

	res, err = f.svc.AutoScope("", SourceWeb, "https://www.docs.example.com/guide")
	require.NoError(t, err)
	assert.Equal(t, "docs_example_com", res.DatasetName)

	_, err = f.svc.AutoScope(root, "ftp", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestAutoScopePrefersDefaultProject(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.SetDefaults("acme", ""))

	root := writeTree(t, map[string]string{"main.go": "package main\n"})
	res, err := f.svc.AutoScope(root, SourceLocal, "")
	require.NoError(t, err)
	assert.Equal(t, "acme", res.ProjectName)
	assert.Equal(t, "code", res.DatasetName)
}

// scratchSource records whether its scratch state was released.
type scratchSource struct {
	ingest.PageSource
	cleaned bool
}

func (s *scratchSource) Cleanup() { s.cleaned = true }

func TestRunIngestReleasesSourceScratch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	src := &scratchSource{PageSource: ingest.PageSource{
		Label: "https://docs.test",
		Pages: []ingest.Document{{
			SourceKey: "https://docs.test/a",
			Content:   []byte("scratch cleanup fixture body"),
			URL:       "https://docs.test/a",
		}},
	}}
	out, err := f.svc.runIngest(ctx, "app", "docs", "crawl", src.Label, src, false, false, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, src.cleaned, "scratch state must be released after the run")
}

func TestIndexLocalSynchronous(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{
		"main.go":   "package main\n\nfunc main() {}\n",
		"readme.md": "# app\n\nA sample service.\n",
	})

	out, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "code"})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, ingest.StatusCompleted, out.Result.Status)
	assert.Equal(t, 2, out.Result.Files)
	require.NotEmpty(t, out.JobID)

	job, err := f.svc.JobGet(ctx, out.JobID)
	require.NoError(t, err)
	assert.Equal(t, metastore.JobCompleted, job.Status)

	// Unchanged content short-circuits.
	again, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "code"})
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusSkipped, again.Result.Status)
}

func TestIndexLocalUsesDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.SetDefaults("acme", "docs"))
	root := writeTree(t, map[string]string{"guide.md": "# guide\n\nHow things work.\n"})

	out, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root})
	require.NoError(t, err)
	assert.Equal(t, "acme", out.Result.Project)
	assert.Equal(t, "docs", out.Result.Dataset)
}

func TestIndexLocalRejectsRelativePath(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.IndexLocal(context.Background(), IndexLocalRequest{
		Path: "relative/dir", Project: "app", Dataset: "code",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestCrawlUpsertsPagesFirst(t *testing.T) {
	pages := StaticPages{
		{URL: "https://docs.example.com/intro", Title: "Intro", Content: "# Intro\n\nWelcome to the product.\n"},
		{URL: "https://docs.example.com/api", Title: "API", Content: "# API\n\nEndpoints and payloads.\n"},
	}
	f := newFixture(t, pages)
	ctx := context.Background()

	out, err := f.svc.Crawl(ctx, CrawlIngestRequest{
		URL: "https://docs.example.com", Project: "acme", Dataset: "docs",
		WaitForCompletion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusCompleted, out.Result.Status)
	assert.Equal(t, 2, out.Result.Files)

	p, err := f.meta.GetProject(ctx, "acme")
	require.NoError(t, err)
	d, err := f.meta.GetDataset(ctx, p.ID, "docs")
	require.NoError(t, err)
	stored, err := f.meta.ListWebPages(ctx, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	// Chunks back-reference their page rows.
	res, err := f.svc.Query(ctx, QueryRequest{
		Query: "Welcome to the product", Project: "acme", Threshold: -1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	found := false
	for _, h := range res.Hits {
		if h.Payload.URL == "https://docs.example.com/intro" {
			found = true
			assert.Equal(t, "web", h.Payload.SourceType)
			assert.NotEmpty(t, h.Payload.PageID)
		}
	}
	assert.True(t, found, "intro page not retrieved")
}

func TestCrawlValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Crawl(ctx, CrawlIngestRequest{URL: "https://x.test", Project: "p", Dataset: "d"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	f2 := newFixture(t, StaticPages{})
	_, err = f2.svc.Crawl(ctx, CrawlIngestRequest{URL: "not a url", Project: "p", Dataset: "d"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestQueryThroughService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	content := "package main\n\nfunc main() {}\n"
	root := writeTree(t, map[string]string{"main.go": content})

	_, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "code"})
	require.NoError(t, err)

	res, err := f.svc.Query(ctx, QueryRequest{Query: content, Project: "app", Threshold: -1})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "main.go", res.Hits[0].Payload.Path)

	// Without a project and without defaults the query cannot resolve.
	_, err = f.svc.Query(ctx, QueryRequest{Query: "anything"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestClearDryRunThenDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"a.md": "# a\n"})

	out, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)
	collection := out.Result.Collection

	plan, err := f.svc.Clear(ctx, ClearRequest{Project: "app", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{collection}, plan.Collections)
	assert.Zero(t, plan.CollectionsDeleted)

	res, err := f.svc.Clear(ctx, ClearRequest{Project: "app"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CollectionsDeleted)

	_, err = f.meta.GetProject(ctx, "app")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, err = f.svc.Clear(ctx, ClearRequest{Project: "app"})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestStatsAndListScopes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"a.md": "# a\n\ncontent here\n"})

	_, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, "app")
	require.NoError(t, err)
	require.Len(t, stats.Datasets, 1)
	ds := stats.Datasets[0]
	assert.Equal(t, "docs", ds.Dataset)
	assert.Positive(t, ds.PointCount)
	assert.Positive(t, ds.ChunkCount)
	assert.NotNil(t, ds.LastIndexedAt)

	scopes, err := f.svc.ListScopes(ctx, "app")
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.True(t, scopes[0].Indexed)
	assert.Equal(t, "project_app_dataset_docs", scopes[0].Collection)
}

func TestSyncLocalAppliesChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"a.md": "# a\n\noriginal\n"})

	_, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("# b\n\nnew file\n"), 0o644))
	res, err := f.svc.SyncLocal(ctx, SyncRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	// Nothing changed since: the merkle roots match.
	res, err = f.svc.SyncLocal(ctx, SyncRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)
	assert.Equal(t, "unchanged", res.Status)
}

func TestWatchLifecycleThroughService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"a.md": "# a\n"})

	w, err := f.svc.WatchLocal(ctx, SyncRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)

	list, err := f.svc.WatchersList(ctx, "app")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)

	// Stop by path rather than id.
	require.NoError(t, f.svc.StopWatching(ctx, root, "app"))
	list, err = f.svc.WatchersList(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, list)

	err = f.svc.StopWatching(ctx, root, "app")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestHistoryListsJobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"a.md": "# a\n"})

	out, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)

	jobs, err := f.svc.History(ctx, "app", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, out.JobID, jobs[0].ID)
	assert.Equal(t, metastore.JobCompleted, jobs[0].Status)
}

func TestStatusNarrowsAndReportsWatchers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	root := writeTree(t, map[string]string{"a.md": "# a\n"})

	_, err := f.svc.IndexLocal(ctx, IndexLocalRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)
	_, err = f.svc.WatchLocal(ctx, SyncRequest{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)

	report, err := f.svc.Status(ctx, "app", "docs", root)
	require.NoError(t, err)
	require.Len(t, report.Datasets, 1)
	assert.Equal(t, "docs", report.Datasets[0].Dataset)
	require.Len(t, report.Watchers, 1)
	assert.Equal(t, root, filepath.Clean(report.Watchers[0].Path))

	// A different path filters the watcher out.
	report, err = f.svc.Status(ctx, "app", "", filepath.Join(root, "elsewhere"))
	require.NoError(t, err)
	assert.Empty(t, report.Watchers)
}

func TestShareRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Share(ctx, "owner", "grantee", ""))
	shares, err := f.svc.Shares(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, metastore.PermissionRead, shares[0].Permission)

	require.NoError(t, f.svc.Unshare(ctx, "owner", "grantee"))
	err = f.svc.Unshare(ctx, "owner", "grantee")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
