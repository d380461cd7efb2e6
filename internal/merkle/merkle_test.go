package merkle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/contextmcp/internal/errors"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestHashFileStableAndContentSensitive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	h1, err := HashFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	h2, err := HashFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	writeFile(t, root, "a.txt", "hello!")
	h3, err := HashFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashFilePermissionChangeDoesNotAlterDigest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "same bytes")
	path := filepath.Join(root, "a.txt")

	h1, err := HashFile(path)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(path, 0o600))
	h2, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashFileMissingIsIOError(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
}

func TestRootIndependentOfTraversalOrder(t *testing.T) {
	files := map[string]string{
		"b/two.go":  "hash2",
		"a/one.go":  "hash1",
		"c/tree.go": "hash3",
	}
	t1 := FromHashes(files)

	reordered := map[string]string{
		"c/tree.go": "hash3",
		"a/one.go":  "hash1",
		"b/two.go":  "hash2",
	}
	t2 := FromHashes(reordered)

	assert.Equal(t, t1.Root(), t2.Root())
}

func TestRootChangesWithAnyLeaf(t *testing.T) {
	base := map[string]string{"a.go": "h1", "b.go": "h2"}
	root := FromHashes(base).Root()

	changedHash := FromHashes(map[string]string{"a.go": "h1x", "b.go": "h2"})
	assert.NotEqual(t, root, changedHash.Root())

	changedPath := FromHashes(map[string]string{"a2.go": "h1", "b.go": "h2"})
	assert.NotEqual(t, root, changedPath.Root())

	extra := FromHashes(map[string]string{"a.go": "h1", "b.go": "h2", "c.go": "h3"})
	assert.NotEqual(t, root, extra.Root())
}

func TestEmptyTreeRootIsStable(t *testing.T) {
	assert.Equal(t, FromHashes(nil).Root(), FromHashes(map[string]string{}).Root())
}

func TestBuildMatchesFromHashes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.go", "package x")
	writeFile(t, root, "sub/y.go", "package y")

	tree, err := Build(root, []string{"x.go", "sub/y.go"}, 4)
	require.NoError(t, err)

	hx, _ := HashFile(filepath.Join(root, "x.go"))
	hy, _ := HashFile(filepath.Join(root, "sub/y.go"))
	expected := FromHashes(map[string]string{"x.go": hx, "sub/y.go": hy})
	assert.Equal(t, expected.Root(), tree.Root())
}

func TestBuildFailsOnMissingFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.go", "package x")

	_, err := Build(root, []string{"x.go", "gone.go"}, 2)
	require.Error(t, err)
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	src := "/some/project/root"

	tree := FromHashes(map[string]string{"a.go": "h1", "b.go": "h2"})
	require.NoError(t, store.Save(tree, src))

	snap, err := store.Load(src)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, tree.Root(), snap.Root)
	assert.Equal(t, tree.Files(), snap.Files)
	assert.Equal(t, src, snap.SourceRoot)

	// Round-trip invariant: rehydrating the leaves reproduces the root.
	assert.Equal(t, snap.Root, FromHashes(snap.Files).Root())
}

func TestSnapshotMissingReturnsNil(t *testing.T) {
	store := NewStore(t.TempDir())
	snap, err := store.Load("/never/saved")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotCorruptIsClassified(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	src := "/some/root"

	require.NoError(t, os.WriteFile(store.PathFor(src), []byte("not gob data"), 0o644))

	_, err := store.Load(src)
	require.Error(t, err)
	assert.Equal(t, errors.KindCorruptSnapshot, errors.KindOf(err))
}

func TestSnapshotPathsIsolatedPerRoot(t *testing.T) {
	store := NewStore(t.TempDir())
	assert.NotEqual(t, store.PathFor("/root/a"), store.PathFor("/root/b"))
}
