// Package service is the transport-neutral operation surface. The MCP
// server and the CLI are thin projections over it: every operation here
// takes plain request values, resolves scope defaults, and delegates to
// the owning component.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scopehq/contextmcp/internal/chunk"
	"github.com/scopehq/contextmcp/internal/config"
	"github.com/scopehq/contextmcp/internal/embed"
	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/jobs"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/query"
	"github.com/scopehq/contextmcp/internal/smart"
	"github.com/scopehq/contextmcp/internal/syncer"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

// Deps are the constructed collaborators of a Service. Open builds them
// from configuration; tests inject fakes.
type Deps struct {
	Meta      *metastore.Store
	Index     vecindex.Index
	Embedder  *embed.Coordinator
	Snapshots *merkle.Store

	// Optional collaborators. Nil disables the corresponding feature.
	Crawler  PageProducer
	LLM      smart.LLM
	Reranker query.Reranker
}

// Service implements the operation surface.
type Service struct {
	cfg       *config.Config
	meta      *metastore.Store
	index     vecindex.Index
	embedder  *embed.Coordinator
	snapshots *merkle.Store
	ingestor  *ingest.Ingestor
	syncer    *syncer.Syncer
	queries   *query.Engine
	smarter   *smart.Engine
	runner    *jobs.Runner
	watches   *jobs.WatchRegistry
	crawler   PageProducer
	defaults  *defaultsFile
	logger    *slog.Logger
}

// New assembles a Service from constructed collaborators.
func New(cfg *config.Config, deps Deps) *Service {
	ingestor := ingest.New(deps.Meta, deps.Index, deps.Embedder, deps.Snapshots, ingest.Config{
		ChunkOpts: chunk.Options{
			MaxTokens:     cfg.Ingest.MaxChunkTokens,
			OverlapTokens: cfg.Ingest.OverlapTokens,
		},
		ChunkWorkers:   cfg.Ingest.Workers,
		WriteBatchSize: cfg.Ingest.WriteBatchSize,
		Hybrid:         cfg.Vector.Hybrid,
	})
	sy := syncer.New(deps.Meta, deps.Index, ingestor, deps.Snapshots)
	queries := query.NewEngine(deps.Meta, deps.Index, deps.Embedder, deps.Reranker)

	return &Service{
		cfg:       cfg,
		meta:      deps.Meta,
		index:     deps.Index,
		embedder:  deps.Embedder,
		snapshots: deps.Snapshots,
		ingestor:  ingestor,
		syncer:    sy,
		queries:   queries,
		smarter:   smart.New(queries, deps.LLM),
		runner:    jobs.NewRunner(deps.Meta, cfg.Jobs.Workers),
		watches:   jobs.NewWatchRegistry(deps.Meta, sy),
		crawler:   deps.Crawler,
		defaults:  newDefaultsFile(cfg.Paths.DefaultsFile),
		logger:    slog.Default().With("component", "service"),
	}
}

// Open constructs every collaborator from configuration and assembles
// the Service. The caller owns Close.
func Open(cfg *config.Config) (*Service, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create data dir", err).WithResource(cfg.Paths.DataDir)
	}

	meta, err := metastore.Open(cfg.Paths.MetadataDB)
	if err != nil {
		return nil, err
	}

	index, err := vecindex.NewLocal(cfg.Paths.CollectionsDir, vecindex.LocalConfig{
		M:        cfg.Vector.M,
		EfSearch: cfg.Vector.EfSearch,
	})
	if err != nil {
		_ = meta.Close()
		return nil, err
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		_ = index.Close()
		_ = meta.Close()
		return nil, err
	}

	deps := Deps{
		Meta:      meta,
		Index:     index,
		Embedder:  embedder,
		Snapshots: merkle.NewStore(cfg.Paths.SnapshotDir),
	}

	if cfg.Crawler.Endpoint != "" {
		deps.Crawler, err = NewHTTPCrawler(CrawlerConfig{
			Endpoint: cfg.Crawler.Endpoint,
			Timeout:  cfg.Crawler.PageTimeout,
		})
		if err != nil {
			_ = index.Close()
			_ = meta.Close()
			return nil, err
		}
	}
	if cfg.Smart.LLMEndpoint != "" {
		deps.LLM, err = smart.NewHTTPLLM(smart.LLMConfig{
			Endpoint: cfg.Smart.LLMEndpoint,
			Model:    cfg.Smart.LLMModel,
			Timeout:  cfg.Smart.Timeout,
		})
		if err != nil {
			_ = index.Close()
			_ = meta.Close()
			return nil, err
		}
	}
	if cfg.Search.RerankEndpoint != "" {
		deps.Reranker, err = query.NewHTTPReranker(query.RerankConfig{
			Endpoint: cfg.Search.RerankEndpoint,
		})
		if err != nil {
			_ = index.Close()
			_ = meta.Close()
			return nil, err
		}
	}

	return New(cfg, deps), nil
}

func buildEmbedder(cfg *config.Config) (*embed.Coordinator, error) {
	text, err := embed.NewHTTPEmbedder(embed.HTTPConfig{
		Endpoint:   cfg.Embeddings.TextEndpoint,
		Model:      cfg.Embeddings.TextModel,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout,
		MaxRetries: cfg.Embeddings.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	var textModel embed.DenseEmbedder = embed.NewCachedEmbedder(text, cfg.Embeddings.CacheSize)

	var codeModel embed.DenseEmbedder
	if cfg.Embeddings.CodeEndpoint != "" {
		code, err := embed.NewHTTPEmbedder(embed.HTTPConfig{
			Endpoint:   cfg.Embeddings.CodeEndpoint,
			Model:      cfg.Embeddings.CodeModel,
			Dimensions: cfg.Embeddings.Dimensions,
			BatchSize:  cfg.Embeddings.BatchSize,
			Timeout:    cfg.Embeddings.Timeout,
			MaxRetries: cfg.Embeddings.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		codeModel = code
	}

	var sparse embed.SparseEncoder
	if cfg.Embeddings.SparseEndpoint != "" {
		sparse, err = embed.NewSpladeEncoder(cfg.Embeddings.SparseEndpoint, cfg.Embeddings.Timeout)
		if err != nil {
			return nil, err
		}
	} else {
		sparse = embed.NewLexicalEncoder()
	}

	return embed.NewCoordinator(textModel, codeModel, sparse, cfg.Embeddings.BatchSize, cfg.Embeddings.Concurrency), nil
}

// Close stops the job workers and watch sessions, then releases the
// stores. Shutdown of running jobs is bounded to ten seconds.
func (s *Service) Close() error {
	s.watches.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.runner.Shutdown(ctx); err != nil {
		s.logger.Warn("job runner shutdown timed out", "error", err)
	}

	var firstErr error
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// absDir validates that path is absolute and names an existing
// directory.
func absDir(path string) (string, error) {
	if path == "" {
		return "", errors.New(errors.KindValidation, "path is required")
	}
	if !filepath.IsAbs(path) {
		return "", errors.Newf(errors.KindValidation, "path must be absolute, got %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(errors.KindNotFound, "path not found", err).WithResource(path)
	}
	if !info.IsDir() {
		return "", errors.New(errors.KindValidation, "path is not a directory").WithResource(path)
	}
	return filepath.Clean(path), nil
}

func (s *Service) walkOptions() ingest.WalkOptions {
	opts := ingest.WalkOptions{}
	if len(s.cfg.Ingest.ExcludePatterns) > 0 {
		opts.ExcludePatterns = append(ingest.DefaultExcludePatterns(), s.cfg.Ingest.ExcludePatterns...)
	}
	if s.cfg.Ingest.MaxFileSizeMB > 0 {
		opts.MaxFileSize = int64(s.cfg.Ingest.MaxFileSizeMB) << 20
	}
	return opts
}
