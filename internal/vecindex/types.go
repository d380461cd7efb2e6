// Package vecindex is the uniform gateway over the vector index. The
// Local backend embeds everything in-process: an HNSW graph per
// collection for dense search, a bleve index for sparse term search, and
// a gob-persisted payload table. Other backends can implement Index
// without touching callers.
package vecindex

import (
	"context"

	"github.com/scopehq/contextmcp/internal/embed"
)

// Payload is the metadata stored with every point. ProjectID and
// DatasetID are mandatory; queries filter on them to keep retrieval
// inside the access set.
type Payload struct {
	ProjectID  string `json:"projectId"`
	DatasetID  string `json:"datasetId"`
	SourceType string `json:"sourceType"` // code, web, manual

	// Provenance.
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	PageID    string `json:"pageId,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Title     string `json:"title,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Language  string `json:"language,omitempty"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	IsCode    bool   `json:"isCode,omitempty"`

	ChunkIndex  int    `json:"chunkIndex"`
	ContentHash string `json:"contentHash"`
	Content     string `json:"content"`
}

// Point is one upsertable unit.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  embed.SparseVector
	Payload Payload
}

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float64
	Payload Payload
}

// Filter narrows a search to payload predicates. A zero filter means no
// filtering. Non-empty fields AND together; DatasetIDs is a membership
// test.
type Filter struct {
	ProjectID  string
	DatasetIDs []string
	Repo       string
	Language   string
	PathPrefix string
}

// IsZero reports whether the filter constrains anything.
func (f Filter) IsZero() bool {
	return f.ProjectID == "" && len(f.DatasetIDs) == 0 &&
		f.Repo == "" && f.Language == "" && f.PathPrefix == ""
}

// Matches evaluates the filter against a payload.
func (f Filter) Matches(p Payload) bool {
	if f.ProjectID != "" && p.ProjectID != f.ProjectID {
		return false
	}
	if len(f.DatasetIDs) > 0 {
		found := false
		for _, id := range f.DatasetIDs {
			if p.DatasetID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Repo != "" && p.Repo != f.Repo {
		return false
	}
	if f.Language != "" && p.Language != f.Language {
		return false
	}
	if f.PathPrefix != "" && !hasPrefix(p.Path, f.PathPrefix) {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Index is the backend capability.
type Index interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, dim int) error
	CreateHybridCollection(ctx context.Context, name string, dim int) error
	DropCollection(ctx context.Context, name string) error

	// Upsert writes points idempotently by id.
	Upsert(ctx context.Context, name string, points []Point) error
	// Delete removes points by id; unknown ids are ignored.
	Delete(ctx context.Context, name string, ids []string) error

	// Search runs dense retrieval. Threshold < 0 disables it.
	Search(ctx context.Context, name string, query []float32, k int, threshold float64, filter Filter) ([]Hit, error)
	// HybridSearch fuses dense and sparse retrieval.
	HybridSearch(ctx context.Context, name string, dense []float32, sparse embed.SparseVector, k int, filter Filter) ([]Hit, error)
	// Scroll pages through points in id order.
	Scroll(ctx context.Context, name string, limit, offset int, filter Filter) ([]Hit, error)
	// UpdatePayloads mutates the payloads of existing points in place,
	// without touching their vectors. Unknown ids are ignored. Sync uses
	// this to move provenance on renames without re-embedding.
	UpdatePayloads(ctx context.Context, name string, ids []string, mutate func(*Payload)) error

	Count(ctx context.Context, name string) (int64, error)
	// Flush persists a collection to disk.
	Flush(ctx context.Context, name string) error
	Close() error
}
