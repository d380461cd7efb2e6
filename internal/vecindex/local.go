package vecindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/coder/hnsw"

	"github.com/scopehq/contextmcp/internal/errors"
)

// LocalConfig tunes the embedded backend.
type LocalConfig struct {
	// M and EfSearch are HNSW graph parameters.
	M        int
	EfSearch int
}

// Local is the embedded Index backend. Collections live in memory and
// persist under dir (one subdirectory per collection); an empty dir
// keeps everything in memory for tests.
type Local struct {
	mu          sync.RWMutex
	dir         string
	cfg         LocalConfig
	collections map[string]*collection
	closed      bool
}

var _ Index = (*Local)(nil)

// collection holds one dataset's vectors. The HNSW graph uses uint64
// keys; idMap/keyMap translate to point ids. Deletions are lazy: the
// node stays in the graph but loses its mapping, so it can never
// surface in results.
type collection struct {
	mu      sync.RWMutex
	name    string
	dims    int
	hybrid  bool
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	payloads map[string]Payload
	sparse   bleve.Index // nil for dense-only collections
}

type collectionMeta struct {
	Dims     int
	Hybrid   bool
	IDMap    map[string]uint64
	NextKey  uint64
	Payloads map[string]Payload
}

// sparseDoc is the bleve document for sparse term search.
type sparseDoc struct {
	Terms string `json:"terms"`
}

// NewLocal opens the backend, loading any collections already persisted
// under dir.
func NewLocal(dir string, cfg LocalConfig) (*Local, error) {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}

	l := &Local{dir: dir, cfg: cfg, collections: map[string]*collection{}}
	if dir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create index directory", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "scan index directory", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := l.loadCollection(e.Name())
		if err != nil {
			return nil, err
		}
		if c != nil {
			l.collections[e.Name()] = c
		}
	}
	return l, nil
}

func (l *Local) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = l.cfg.M
	g.EfSearch = l.cfg.EfSearch
	g.Ml = 0.25
	return g
}

func (l *Local) collectionDir(name string) string {
	return filepath.Join(l.dir, name)
}

// HasCollection reports collection existence.
func (l *Local) HasCollection(_ context.Context, name string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.collections[name]
	return ok, nil
}

// CreateCollection creates a dense-only collection. Creating an existing
// collection with the same dimension is a no-op; a different dimension
// is a mismatch.
func (l *Local) CreateCollection(ctx context.Context, name string, dim int) error {
	return l.create(ctx, name, dim, false)
}

// CreateHybridCollection creates a collection with dense and sparse legs.
func (l *Local) CreateHybridCollection(ctx context.Context, name string, dim int) error {
	return l.create(ctx, name, dim, true)
}

func (l *Local) create(_ context.Context, name string, dim int, hybrid bool) error {
	if dim <= 0 {
		return errors.Newf(errors.KindValidation, "invalid dimension %d", dim)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New(errors.KindInternal, "index is closed")
	}

	if existing, ok := l.collections[name]; ok {
		if existing.dims != dim {
			return errors.Newf(errors.KindDimensionMismatch,
				"collection %s has dimension %d, requested %d", name, existing.dims, dim)
		}
		return nil
	}

	c := &collection{
		name:     name,
		dims:     dim,
		hybrid:   hybrid,
		graph:    l.newGraph(),
		idMap:    map[string]uint64{},
		keyMap:   map[uint64]string{},
		payloads: map[string]Payload{},
	}
	if hybrid {
		idx, err := l.openSparse(name, true)
		if err != nil {
			return err
		}
		c.sparse = idx
	}
	l.collections[name] = c
	return nil
}

func (l *Local) openSparse(name string, fresh bool) (bleve.Index, error) {
	if l.dir == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "create sparse index", err)
		}
		return idx, nil
	}

	path := filepath.Join(l.collectionDir(name), "sparse")
	if !fresh {
		idx, err := bleve.Open(path)
		if err == nil {
			return idx, nil
		}
		if err != bleve.ErrorIndexPathDoesNotExist {
			return nil, errors.Wrap(errors.KindIO, "open sparse index", err).WithResource(path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create collection directory", err)
	}
	_ = os.RemoveAll(path)
	idx, err := bleve.New(path, bleve.NewIndexMapping())
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create sparse index", err).WithResource(path)
	}
	return idx, nil
}

// DropCollection removes a collection and its on-disk state.
func (l *Local) DropCollection(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.collections[name]
	if !ok {
		return errors.New(errors.KindNotFound, "collection not found").WithResource(name)
	}
	delete(l.collections, name)

	if c.sparse != nil {
		_ = c.sparse.Close()
	}
	if l.dir != "" {
		if err := os.RemoveAll(l.collectionDir(name)); err != nil {
			return errors.Wrap(errors.KindIO, "remove collection directory", err).WithResource(name)
		}
	}
	return nil
}

func (l *Local) get(name string) (*collection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, errors.New(errors.KindInternal, "index is closed")
	}
	c, ok := l.collections[name]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "collection not found").WithResource(name)
	}
	return c, nil
}

// UpdatePayloads rewrites the payloads of the given ids in place. The
// dense and sparse legs are untouched, so this is cheap relative to a
// re-upsert.
func (l *Local) UpdatePayloads(_ context.Context, name string, ids []string, mutate func(*Payload)) error {
	c, err := l.get(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		p, ok := c.payloads[id]
		if !ok {
			continue
		}
		mutate(&p)
		c.payloads[id] = p
	}
	return nil
}

// Count returns the number of live points.
func (l *Local) Count(_ context.Context, name string) (int64, error) {
	c, err := l.get(name)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.idMap)), nil
}

// Flush persists one collection: graph export plus gob metadata, both
// written temp-then-rename. The bleve index persists itself.
func (l *Local) Flush(_ context.Context, name string) error {
	if l.dir == "" {
		return nil
	}
	c, err := l.get(name)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return l.persist(c)
}

func (l *Local) persist(c *collection) error {
	dir := l.collectionDir(c.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.KindIO, "create collection directory", err)
	}

	graphPath := filepath.Join(dir, "graph.hnsw")
	tmp := graphPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.KindIO, "create graph file", err)
	}
	if err := c.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "export graph", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "close graph file", err)
	}
	if err := os.Rename(tmp, graphPath); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "rename graph file", err)
	}

	metaPath := filepath.Join(dir, "meta.gob")
	tmp = metaPath + ".tmp"
	mf, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.KindIO, "create meta file", err)
	}
	meta := collectionMeta{
		Dims:     c.dims,
		Hybrid:   c.hybrid,
		IDMap:    c.idMap,
		NextKey:  c.nextKey,
		Payloads: c.payloads,
	}
	if err := gob.NewEncoder(mf).Encode(&meta); err != nil {
		_ = mf.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "encode collection meta", err)
	}
	if err := mf.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "close meta file", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindIO, "rename meta file", err)
	}
	return nil
}

func (l *Local) loadCollection(name string) (*collection, error) {
	dir := l.collectionDir(name)
	metaPath := filepath.Join(dir, "meta.gob")

	mf, err := os.Open(metaPath)
	if os.IsNotExist(err) {
		return nil, nil // stray directory, not a collection
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "open collection meta", err).WithResource(name)
	}
	defer mf.Close()

	var meta collectionMeta
	if err := gob.NewDecoder(bufio.NewReader(mf)).Decode(&meta); err != nil {
		return nil, errors.Wrap(errors.KindCorruptSnapshot, "decode collection meta", err).WithResource(name)
	}

	c := &collection{
		name:     name,
		dims:     meta.Dims,
		hybrid:   meta.Hybrid,
		graph:    l.newGraph(),
		idMap:    meta.IDMap,
		keyMap:   map[uint64]string{},
		nextKey:  meta.NextKey,
		payloads: meta.Payloads,
	}
	for id, key := range c.idMap {
		c.keyMap[key] = id
	}
	if c.payloads == nil {
		c.payloads = map[string]Payload{}
	}

	gf, err := os.Open(filepath.Join(dir, "graph.hnsw"))
	if err != nil {
		return nil, errors.Wrap(errors.KindCorruptSnapshot, "open graph file", err).WithResource(name)
	}
	defer gf.Close()
	// coder/hnsw Import needs an io.ByteReader.
	if err := c.graph.Import(bufio.NewReader(gf)); err != nil {
		return nil, errors.Wrap(errors.KindCorruptSnapshot, "import graph", err).WithResource(name)
	}

	if c.hybrid {
		idx, err := l.openSparse(name, false)
		if err != nil {
			return nil, err
		}
		c.sparse = idx
	}
	return c, nil
}

// Close flushes and releases every collection.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, c := range l.collections {
		c.mu.RLock()
		if l.dir != "" {
			if err := l.persist(c); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.sparse != nil {
			if err := c.sparse.Close(); err != nil && firstErr == nil {
				firstErr = errors.Wrap(errors.KindIO, "close sparse index", err)
			}
		}
		c.mu.RUnlock()
	}
	return firstErr
}
