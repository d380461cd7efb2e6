package merkle

import (
	"bufio"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/scopehq/contextmcp/internal/errors"
)

// Snapshot is the persisted sync state for one source root.
type Snapshot struct {
	// SourceRoot is the absolute path the snapshot was taken from.
	SourceRoot string
	// Root is the merkle root at snapshot time.
	Root string
	// Files maps relative path to content hash.
	Files map[string]string
	// SavedAt is the snapshot timestamp.
	SavedAt time.Time
}

// Store persists snapshots, one file per hash-of-absolute-source-path,
// under a well-known directory (~/.context/merkle by default). Saves are
// guarded by a cross-process file lock so concurrent syncers of the same
// root cannot interleave partial writes.
type Store struct {
	dir string
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// PathFor returns the snapshot file path for a source root.
func (s *Store) PathFor(sourceRoot string) string {
	return filepath.Join(s.dir, HashBytes([]byte(sourceRoot))+".snapshot")
}

// Save writes the snapshot atomically (temp file + rename).
func (s *Store) Save(tree *Tree, sourceRoot string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(errors.KindIO, "create snapshot directory", err)
	}

	lock := flock.New(filepath.Join(s.dir, ".snapshots.lock"))
	if err := lock.Lock(); err != nil {
		return errors.Wrap(errors.KindIO, "acquire snapshot lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	snap := Snapshot{
		SourceRoot: sourceRoot,
		Root:       tree.Root(),
		Files:      tree.Files(),
		SavedAt:    time.Now().UTC(),
	}

	path := s.PathFor(sourceRoot)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.KindIO, "create snapshot file", err).WithResource(path)
	}

	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "encode snapshot", err).WithResource(path)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "flush snapshot", err).WithResource(path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "close snapshot", err).WithResource(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "rename snapshot", err).WithResource(path)
	}
	return nil
}

// Load reads the snapshot for a source root. Returns (nil, nil) when no
// snapshot exists. A snapshot that cannot be decoded yields
// KindCorruptSnapshot; callers fall back to a full rescan.
func (s *Store) Load(sourceRoot string) (*Snapshot, error) {
	path := s.PathFor(sourceRoot)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "open snapshot", err).WithResource(path)
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&snap); err != nil {
		return nil, errors.Wrap(errors.KindCorruptSnapshot, "decode snapshot", err).WithResource(path)
	}
	if snap.Files == nil {
		snap.Files = map[string]string{}
	}
	return &snap, nil
}

// Delete removes the snapshot for a source root, if present.
func (s *Store) Delete(sourceRoot string) error {
	err := os.Remove(s.PathFor(sourceRoot))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindIO, "remove snapshot", err)
	}
	return nil
}
