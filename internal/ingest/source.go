// Package ingest executes ingestion runs: enumerate a source, chunk,
// embed, write to the vector index, and finalize the collection binding.
// A run moves through seven ordered phases and reports progress through
// a monotonic mapper.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/merkle"
)

// Document is one enumerable unit of a source: a file or a web page.
type Document struct {
	// SourceKey is the stable identity used for chunk ids and sync
	// deletion: the relative path for files, the URL for pages.
	SourceKey string
	Content   []byte

	// Provenance.
	Path   string
	URL    string
	PageID string
	Title  string
	Repo   string
	Branch string
	Commit string
}

// Source enumerates documents for one ingest run.
type Source interface {
	// Type is the payload sourceType: code, web, or manual.
	Type() string
	// Describe is the job's source descriptor.
	Describe() string
	// Enumerate lists the documents to ingest.
	Enumerate(ctx context.Context) ([]Document, error)
	// Fingerprint identifies the source content as a whole; an empty
	// string disables the skip-if-unchanged shortcut.
	Fingerprint() string
}

// ChunkID derives the stable id of one chunk. Identical content at the
// same source key and index always yields the same id, which is what
// makes re-ingest idempotent.
func ChunkID(sourceKey, contentHash string, index int) string {
	sum := sha256.Sum256([]byte(sourceKey + "\x00" + contentHash + "\x00" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:])
}

// WalkOptions filter a local tree walk.
type WalkOptions struct {
	// ExcludePatterns are matched against path segments and base names.
	ExcludePatterns []string
	// MaxFileSize in bytes; larger files are skipped.
	MaxFileSize int64
	// Extensions whitelists file extensions (with dot). Empty means the
	// built-in indexable set.
	Extensions []string
}

// indexableExts is the default extension set: code the chunker
// understands plus common document formats.
var indexableExts = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".mjs": true, ".cjs": true, ".mts": true, ".cts": true, ".py": true, ".pyi": true,
	".md": true, ".markdown": true, ".mdx": true, ".txt": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true,
	".rs": true, ".rb": true, ".sh": true, ".sql": true, ".proto": true,
}

// WalkFiles enumerates indexable files under root, returning paths
// relative to root in deterministic (lexicographic) order.
func WalkFiles(root string, opts WalkOptions) ([]string, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 5 << 20
	}
	allowed := indexableExts
	if len(opts.Extensions) > 0 {
		allowed = map[string]bool{}
		for _, e := range opts.Extensions {
			allowed[strings.ToLower(e)] = true
		}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(errors.KindIO, "walk source tree", err).WithResource(path)
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && excluded(name, opts.ExcludePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded(name, opts.ExcludePatterns) {
			return nil
		}
		if !allowed[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > opts.MaxFileSize {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// defaultExcludes covers build output, VCS internals, IDE state,
// caches, minified bundles, and env files.
var defaultExcludes = []string{
	".git", ".hg", ".svn", "node_modules", "vendor", "dist", "build",
	"target", "__pycache__", ".venv", "venv", ".idea", ".vscode",
	".cache", "*.min.js", "*.min.css", ".env", ".env.*", "*.lock",
}

// DefaultExcludePatterns returns a copy of the built-in ignore list.
func DefaultExcludePatterns() []string {
	out := make([]string, len(defaultExcludes))
	copy(out, defaultExcludes)
	return out
}

func excluded(name string, patterns []string) bool {
	if len(patterns) == 0 {
		patterns = defaultExcludes
	}
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// LocalSource ingests a directory tree.
type LocalSource struct {
	Root    string
	Opts    WalkOptions
	Workers int

	// Git provenance recorded on every chunk, when known.
	Repo   string
	Branch string
	Commit string

	tree *merkle.Tree
}

var _ Source = (*LocalSource)(nil)

func (s *LocalSource) Type() string     { return "code" }
func (s *LocalSource) Describe() string { return s.Root }

// Enumerate walks the tree, reads every file, and computes the merkle
// tree as a side effect so Fingerprint is available afterwards.
func (s *LocalSource) Enumerate(ctx context.Context) ([]Document, error) {
	info, err := os.Stat(s.Root)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "stat source root", err).WithResource(s.Root)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.KindValidation, "source path is not a directory").WithResource(s.Root)
	}

	rels, err := WalkFiles(s.Root, s.Opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, "enumeration cancelled", err)
	}

	tree, err := merkle.Build(s.Root, rels, s.Workers)
	if err != nil {
		return nil, err
	}
	s.tree = tree

	docs := make([]Document, 0, len(rels))
	for _, rel := range rels {
		content, err := os.ReadFile(filepath.Join(s.Root, rel))
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "read source file", err).WithResource(rel)
		}
		docs = append(docs, Document{
			SourceKey: rel,
			Content:   content,
			Path:      rel,
			Repo:      s.Repo,
			Branch:    s.Branch,
			Commit:    s.Commit,
		})
	}
	return docs, nil
}

// Fingerprint is the merkle root of the enumerated tree. Empty before
// Enumerate runs.
func (s *LocalSource) Fingerprint() string {
	if s.tree == nil {
		return ""
	}
	return s.tree.Root()
}

// Tree exposes the merkle tree computed during enumeration, for the
// syncer to persist as the post-ingest snapshot.
func (s *LocalSource) Tree() *merkle.Tree {
	return s.tree
}

// PageSource ingests already-crawled web pages.
type PageSource struct {
	Label string
	Pages []Document
}

var _ Source = (*PageSource)(nil)

func (s *PageSource) Type() string     { return "web" }
func (s *PageSource) Describe() string { return s.Label }

func (s *PageSource) Enumerate(_ context.Context) ([]Document, error) {
	return s.Pages, nil
}

// Fingerprint hashes the page URLs and contents.
func (s *PageSource) Fingerprint() string {
	h := sha256.New()
	for _, p := range s.Pages {
		h.Write([]byte(p.SourceKey))
		h.Write([]byte{0})
		h.Write(p.Content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
