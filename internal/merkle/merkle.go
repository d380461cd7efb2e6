// Package merkle provides content identity for files and directory trees.
//
// A tree's leaves are (relativePath, sha256(content)) pairs sorted by path;
// internal nodes hash the concatenation of their children's digests. Two
// trees have equal roots iff their (path, hash) sets are equal, regardless
// of traversal order. Snapshots persist the leaf map per source root for
// incremental sync.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/scopehq/contextmcp/internal/errors"
)

// HashFile computes the sha256 hex digest over the raw bytes of path.
// Only content counts: permission or mtime changes do not alter the digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "open file for hashing", err).WithResource(path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(errors.KindIO, "read file for hashing", err).WithResource(path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the sha256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tree is an immutable merkle tree over a file set.
type Tree struct {
	root  string
	files map[string]string // relative path -> content hash
}

// Build hashes the given files (relative to root) in parallel and
// constructs the tree. A missing or unreadable file fails the whole build.
func Build(root string, relPaths []string, workers int) (*Tree, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	files := make(map[string]string, len(relPaths))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, rel := range relPaths {
		g.Go(func() error {
			hash, err := HashFile(filepath.Join(root, rel))
			if err != nil {
				return err
			}
			mu.Lock()
			files[rel] = hash
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return FromHashes(files), nil
}

// FromHashes constructs a tree from an existing path->hash map.
// The map is copied; callers may mutate theirs afterwards.
func FromHashes(files map[string]string) *Tree {
	copied := make(map[string]string, len(files))
	for p, h := range files {
		copied[p] = h
	}
	return &Tree{root: computeRoot(copied), files: copied}
}

// Root returns the tree's root digest. Empty trees share a fixed root.
func (t *Tree) Root() string {
	return t.root
}

// Files returns the leaf map. The returned map must not be mutated.
func (t *Tree) Files() map[string]string {
	return t.files
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.files)
}

// computeRoot folds sorted leaf digests pairwise into a single root.
func computeRoot(files map[string]string) string {
	if len(files) == 0 {
		return HashBytes(nil)
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	level := make([]string, len(paths))
	for i, p := range paths {
		level[i] = HashBytes([]byte(p + "\x00" + files[p]))
	}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashBytes([]byte(level[i]+level[i+1])))
			} else {
				// Odd node is promoted unchanged.
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}
