// Package config loads and validates contextmcp configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file
// (~/.config/contextmcp/config.yaml by default), then CONTEXTMCP_* env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete contextmcp configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Vector     VectorConfig     `yaml:"vector" json:"vector"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Smart      SmartConfig      `yaml:"smart" json:"smart"`
	Jobs       JobsConfig       `yaml:"jobs" json:"jobs"`
	Crawler    CrawlerConfig    `yaml:"crawler" json:"crawler"`
}

// PathsConfig locates the process-wide state directories. Each has exactly
// one owner component; everything else goes through that owner's API.
type PathsConfig struct {
	// DataDir is the root state directory (default ~/.context).
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// SnapshotDir holds per-root merkle snapshots (default <data_dir>/merkle).
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`
	// DefaultsFile stores the MCP default scope (default <data_dir>/claude-mcp.json).
	DefaultsFile string `yaml:"defaults_file" json:"defaults_file"`
	// MetadataDB is the SQLite metadata store path (default <data_dir>/metadata.db).
	MetadataDB string `yaml:"metadata_db" json:"metadata_db"`
	// CollectionsDir holds per-collection vector index data (default <data_dir>/collections).
	CollectionsDir string `yaml:"collections_dir" json:"collections_dir"`
}

// EmbeddingsConfig configures the dense and sparse embedding services.
type EmbeddingsConfig struct {
	// TextEndpoint serves the dense text model.
	TextEndpoint string `yaml:"text_endpoint" json:"text_endpoint"`
	// TextModel is the dense text model name.
	TextModel string `yaml:"text_model" json:"text_model"`
	// CodeEndpoint serves the dense code model. Empty falls back to the text model.
	CodeEndpoint string `yaml:"code_endpoint" json:"code_endpoint"`
	// CodeModel is the dense code model name.
	CodeModel string `yaml:"code_model" json:"code_model"`
	// SparseEndpoint serves SPLADE-style sparse encoding. Empty selects the
	// local lexical encoder.
	SparseEndpoint string `yaml:"sparse_endpoint" json:"sparse_endpoint"`
	// Dimensions is the dense vector dimension.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BatchSize is the per-request batch size.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Concurrency caps in-flight embedding requests.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// MaxRetries bounds retry attempts per batch.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// Timeout is the per-request deadline.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// CacheSize is the query-embedding LRU size.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// VectorConfig configures the vector index backend.
type VectorConfig struct {
	// Backend selects the vector index implementation (default "local").
	Backend string `yaml:"backend" json:"backend"`
	// Hybrid creates collections with a sparse side in addition to dense.
	Hybrid bool `yaml:"hybrid" json:"hybrid"`
	// M is HNSW max connections per layer.
	M int `yaml:"m" json:"m"`
	// EfSearch is HNSW query-time search width.
	EfSearch int `yaml:"ef_search" json:"ef_search"`
	// WriteConcurrency caps concurrent collection writers.
	WriteConcurrency int `yaml:"write_concurrency" json:"write_concurrency"`
	// Timeout is the per-call deadline.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// SearchConfig configures query execution.
type SearchConfig struct {
	// TopK is the default result count.
	TopK int `yaml:"top_k" json:"top_k"`
	// Threshold drops hits whose best raw similarity is below it.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// RRFConstant is the rank fusion smoothing parameter (default 60).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// RerankEndpoint serves the cross-encoder reranker. Empty disables reranking.
	RerankEndpoint string `yaml:"rerank_endpoint" json:"rerank_endpoint"`
	// RerankTopN caps how many fused hits are sent to the reranker.
	RerankTopN int `yaml:"rerank_top_n" json:"rerank_top_n"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// Workers bounds parallel chunking workers.
	Workers int `yaml:"workers" json:"workers"`
	// WriteBatchSize is the upsert batch size for vector writes.
	WriteBatchSize int `yaml:"write_batch_size" json:"write_batch_size"`
	// MaxChunkTokens bounds chunk size (token-equivalents).
	MaxChunkTokens int `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
	// OverlapTokens is the chunk overlap.
	OverlapTokens int `yaml:"overlap_tokens" json:"overlap_tokens"`
	// MaxFileSizeMB skips files larger than this.
	MaxFileSizeMB int `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	// ExcludePatterns extends the built-in ignore list.
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`
}

// SyncConfig configures the incremental synchronizer.
type SyncConfig struct {
	// DebounceWindow coalesces watcher event bursts.
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window"`
	// HashWorkers bounds parallel file hashing.
	HashWorkers int `yaml:"hash_workers" json:"hash_workers"`
}

// SmartConfig configures the LLM-assisted query layer.
type SmartConfig struct {
	// LLMEndpoint serves query enhancement and answer synthesis.
	// Empty disables the smart-query layer.
	LLMEndpoint string `yaml:"llm_endpoint" json:"llm_endpoint"`
	// LLMModel is the model name sent to the endpoint.
	LLMModel string `yaml:"llm_model" json:"llm_model"`
	// Timeout is the per-call deadline.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// JobsConfig configures the async job registry.
type JobsConfig struct {
	// Workers bounds concurrently running jobs.
	Workers int `yaml:"workers" json:"workers"`
}

// CrawlerConfig configures the external page-producer service.
type CrawlerConfig struct {
	// Endpoint is the crawler service URL. Empty disables crawling.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// PageTimeout is the per-page fetch deadline.
	PageTimeout time.Duration `yaml:"page_timeout" json:"page_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir:        dataDir,
			SnapshotDir:    filepath.Join(dataDir, "merkle"),
			DefaultsFile:   filepath.Join(dataDir, "claude-mcp.json"),
			MetadataDB:     filepath.Join(dataDir, "metadata.db"),
			CollectionsDir: filepath.Join(dataDir, "collections"),
		},
		Embeddings: EmbeddingsConfig{
			TextEndpoint: "http://localhost:8080",
			TextModel:    "nomic-embed-text",
			CodeModel:    "nomic-embed-code",
			Dimensions:   768,
			BatchSize:    32,
			Concurrency:  16,
			MaxRetries:   3,
			Timeout:      30 * time.Second,
			CacheSize:    1000,
		},
		Vector: VectorConfig{
			Backend:          "local",
			Hybrid:           true,
			M:                16,
			EfSearch:         64,
			WriteConcurrency: 4,
			Timeout:          30 * time.Second,
		},
		Search: SearchConfig{
			TopK:        10,
			Threshold:   0.5,
			RRFConstant: 60,
			RerankTopN:  50,
		},
		Ingest: IngestConfig{
			Workers:        8,
			WriteBatchSize: 100,
			MaxChunkTokens: 1000,
			OverlapTokens:  100,
			MaxFileSizeMB:  5,
		},
		Sync: SyncConfig{
			DebounceWindow: 2 * time.Second,
			HashWorkers:    8,
		},
		Smart: SmartConfig{
			Timeout: 60 * time.Second,
		},
		Jobs: JobsConfig{
			Workers: 4,
		},
		Crawler: CrawlerConfig{
			PageTimeout: 60 * time.Second,
		},
	}
}

// DefaultConfigPath returns ~/.config/contextmcp/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "contextmcp", "config.yaml")
	}
	return filepath.Join(home, ".config", "contextmcp", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".context")
	}
	return filepath.Join(home, ".context")
}

// Load reads configuration from path (or the default location when path is
// empty), layering the file over defaults and env vars over the file.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDerivedPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerivedPaths fills path fields left empty by a partial config file,
// deriving them from DataDir.
func (c *Config) applyDerivedPaths() {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaultDataDir()
	}
	if c.Paths.SnapshotDir == "" {
		c.Paths.SnapshotDir = filepath.Join(c.Paths.DataDir, "merkle")
	}
	if c.Paths.DefaultsFile == "" {
		c.Paths.DefaultsFile = filepath.Join(c.Paths.DataDir, "claude-mcp.json")
	}
	if c.Paths.MetadataDB == "" {
		c.Paths.MetadataDB = filepath.Join(c.Paths.DataDir, "metadata.db")
	}
	if c.Paths.CollectionsDir == "" {
		c.Paths.CollectionsDir = filepath.Join(c.Paths.DataDir, "collections")
	}
}

// applyEnv overrides configuration from CONTEXTMCP_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONTEXTMCP_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
		c.Paths.SnapshotDir = filepath.Join(v, "merkle")
		c.Paths.DefaultsFile = filepath.Join(v, "claude-mcp.json")
		c.Paths.MetadataDB = filepath.Join(v, "metadata.db")
		c.Paths.CollectionsDir = filepath.Join(v, "collections")
	}
	if v := os.Getenv("CONTEXTMCP_TEXT_ENDPOINT"); v != "" {
		c.Embeddings.TextEndpoint = v
	}
	if v := os.Getenv("CONTEXTMCP_CODE_ENDPOINT"); v != "" {
		c.Embeddings.CodeEndpoint = v
	}
	if v := os.Getenv("CONTEXTMCP_SPARSE_ENDPOINT"); v != "" {
		c.Embeddings.SparseEndpoint = v
	}
	if v := os.Getenv("CONTEXTMCP_LLM_ENDPOINT"); v != "" {
		c.Smart.LLMEndpoint = v
	}
	if v := os.Getenv("CONTEXTMCP_RERANK_ENDPOINT"); v != "" {
		c.Search.RerankEndpoint = v
	}
	if v := os.Getenv("CONTEXTMCP_CRAWLER_ENDPOINT"); v != "" {
		c.Crawler.Endpoint = v
	}
	if v := os.Getenv("CONTEXTMCP_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Embeddings.Dimensions = n
		}
	}
	if v := os.Getenv("CONTEXTMCP_RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.RRFConstant = n
		}
	}
}

// Validate checks invariants that would otherwise surface deep in the core.
func (c *Config) Validate() error {
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize <= 0 || c.Embeddings.BatchSize > 256 {
		return fmt.Errorf("embeddings.batch_size must be in [1,256], got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.Concurrency <= 0 {
		return fmt.Errorf("embeddings.concurrency must be positive, got %d", c.Embeddings.Concurrency)
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return fmt.Errorf("search.threshold must be in [0,1], got %v", c.Search.Threshold)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Vector.WriteConcurrency <= 0 {
		return fmt.Errorf("vector.write_concurrency must be positive, got %d", c.Vector.WriteConcurrency)
	}
	if c.Ingest.OverlapTokens >= c.Ingest.MaxChunkTokens {
		return fmt.Errorf("ingest.overlap_tokens (%d) must be smaller than max_chunk_tokens (%d)",
			c.Ingest.OverlapTokens, c.Ingest.MaxChunkTokens)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
