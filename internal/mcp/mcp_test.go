package mcp

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/config"
	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/service"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = dataDir
	cfg.Paths.SnapshotDir = filepath.Join(dataDir, "merkle")
	cfg.Paths.DefaultsFile = filepath.Join(dataDir, "claude-mcp.json")
	cfg.Embeddings.Dimensions = testDims

	meta, err := metastore.Open("")
	require.NoError(t, err)
	index, err := vecindex.NewLocal("", vecindex.LocalConfig{})
	require.NoError(t, err)

	coord := embed.NewCoordinator(hashEmbedder{}, nil, embed.NewLexicalEncoder(), 16, 4)
	svc := service.New(cfg, service.Deps{
		Meta:      meta,
		Index:     index,
		Embedder:  coord,
		Snapshots: merkle.NewStore(cfg.Paths.SnapshotDir),
	})
	t.Cleanup(func() { _ = svc.Close() })

	srv, err := NewServer(svc)
	require.NoError(t, err)
	return srv
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestMapErrorCodes(t *testing.T) {
	cases := []struct {
		kind errors.Kind
		code int
	}{
		{errors.KindValidation, CodeInvalidParams},
		{errors.KindNotFound, CodeNotFound},
		{errors.KindAlreadyExists, CodeAlreadyExists},
		{errors.KindAlreadyWatching, CodeAlreadyWatching},
		{errors.KindUnauthorized, CodeUnauthorized},
		{errors.KindConflict, CodeConflict},
		{errors.KindTimeout, CodeTimeout},
		{errors.KindBackpressure, CodeBackpressure},
		{errors.KindCancelled, CodeCancelled},
		{errors.KindIO, CodeInternalError},
		{errors.KindInternal, CodeInternalError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			mapped := MapError(errors.New(tc.kind, "boom"))
			require.NotNil(t, mapped)
			assert.Equal(t, tc.code, mapped.Code)
			assert.Equal(t, string(tc.kind), mapped.Kind)
		})
	}

	assert.Nil(t, MapError(nil))
}

func TestDefaultsToolsRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.setDefaults(ctx, nil, SetDefaultsInput{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, err.(*Error).Code)

	_, ack, err := srv.setDefaults(ctx, nil, SetDefaultsInput{Project: "Acme Inc", Dataset: "Docs"})
	require.NoError(t, err)
	assert.True(t, ack.OK)

	_, d, err := srv.getDefaults(ctx, nil, GetDefaultsInput{})
	require.NoError(t, err)
	assert.Equal(t, "acme_inc", d.Project)
	assert.Equal(t, "docs", d.Dataset)
}

func TestIndexAndQueryTools(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	root := t.TempDir()
	content := "func Resolve(host string) (string, error) { return lookup(host) }\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "resolve.go"), []byte(content), 0o644))

	_, out, err := srv.indexLocal(ctx, nil, IndexLocalInput{
		Path:    root,
		Project: "netkit",
		Dataset: "code",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Result.Files)
	assert.NotEmpty(t, out.JobID)

	_, res, err := srv.query(ctx, nil, QueryInput{
		Query:     content,
		Project:   "netkit",
		Threshold: -1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	hit := res.Hits[0]
	assert.Equal(t, "code", hit.Dataset)
	assert.Equal(t, "resolve.go", hit.Path)
	assert.NotEmpty(t, hit.Content)

	// An explicit zero top_k is honored, not swapped for the default.
	zero := 0
	_, res, err = srv.query(ctx, nil, QueryInput{
		Query:     content,
		Project:   "netkit",
		TopK:      &zero,
		Threshold: -1,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	_, _, err = srv.query(ctx, nil, QueryInput{Project: "netkit"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, err.(*Error).Code)
}

func TestIndexLocalMapsValidation(t *testing.T) {
	srv := newTestServer(t)

	_, _, err := srv.indexLocal(context.Background(), nil, IndexLocalInput{
		Path:    "relative/path",
		Project: "p",
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, err.(*Error).Code)
}

func TestJobToolsMapNotFound(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.jobGet(ctx, nil, JobInput{JobID: "nope"})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, err.(*Error).Code)

	_, _, err = srv.jobGet(ctx, nil, JobInput{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, err.(*Error).Code)

	_, _, err = srv.jobCancel(ctx, nil, JobInput{JobID: "nope"})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, err.(*Error).Code)
}

func TestScopeToolsAfterIndex(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("# alpha\n\nnotes about alpha\n"), 0o644))

	_, _, err := srv.indexLocal(ctx, nil, IndexLocalInput{Path: root, Project: "app", Dataset: "docs"})
	require.NoError(t, err)

	_, stats, err := srv.stats(ctx, nil, ProjectInput{Project: "app"})
	require.NoError(t, err)
	require.Len(t, stats.Datasets, 1)
	assert.Equal(t, "docs", stats.Datasets[0].Dataset)
	assert.Positive(t, stats.Datasets[0].PointCount)

	_, scopes, err := srv.listScopes(ctx, nil, ProjectInput{Project: "app"})
	require.NoError(t, err)
	require.Len(t, scopes.Scopes, 1)
	assert.True(t, scopes.Scopes[0].Indexed)

	_, hist, err := srv.history(ctx, nil, HistoryInput{Project: "app"})
	require.NoError(t, err)
	require.Len(t, hist.Jobs, 1)
	assert.Equal(t, metastore.JobCompleted, hist.Jobs[0].Status)

	_, cleared, err := srv.clear(ctx, nil, ClearInput{Project: "app", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"project_app_dataset_docs"}, cleared.Collections)
	assert.Zero(t, cleared.CollectionsDeleted)

	_, cleared, err = srv.clear(ctx, nil, ClearInput{Project: "app"})
	require.NoError(t, err)
	assert.Equal(t, 1, cleared.CollectionsDeleted)

	_, _, err = srv.stats(ctx, nil, ProjectInput{Project: "app"})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, err.(*Error).Code)
}
