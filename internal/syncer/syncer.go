package syncer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/ingest"
	"github.com/scopehq/contextmcp/internal/merkle"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/scope"
	"github.com/scopehq/contextmcp/internal/vecindex"
)

// Statuses of a finished sync.
const (
	// StatusFull: no usable snapshot existed, the whole tree was ingested.
	StatusFull = "full"
	// StatusUnchanged: the merkle roots matched, nothing was touched.
	StatusUnchanged = "unchanged"
	// StatusSynced: an incremental delta was applied.
	StatusSynced = "synced"
)

// Syncer applies incremental updates to an already-indexed dataset.
// Concurrent syncs of the same (project, dataset, root) collapse into
// one run through singleflight; the callers all receive its result.
type Syncer struct {
	meta      *metastore.Store
	index     vecindex.Index
	ingestor  *ingest.Ingestor
	snapshots *merkle.Store
	group     singleflight.Group
	logger    *slog.Logger
}

// New wires a Syncer over the shared stores. The snapshot store must be
// the same one the Ingestor writes to, or every sync degrades to full.
func New(meta *metastore.Store, index vecindex.Index, ingestor *ingest.Ingestor, snapshots *merkle.Store) *Syncer {
	return &Syncer{
		meta:      meta,
		index:     index,
		ingestor:  ingestor,
		snapshots: snapshots,
		logger:    slog.Default().With("component", "syncer"),
	}
}

// Request describes one sync run.
type Request struct {
	Project string
	Dataset string
	Root    string

	Walk     ingest.WalkOptions
	Progress ingest.ProgressFunc
}

// Result summarizes what a sync did.
type Result struct {
	Status     string
	Added      int
	Modified   int
	Deleted    int
	Renamed    int
	PointCount int64
}

// Sync reconciles the dataset with the tree at req.Root.
func (s *Syncer) Sync(ctx context.Context, req Request) (*Result, error) {
	abs, err := filepath.Abs(req.Root)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, "resolve sync root", err)
	}

	key := req.Project + "\x00" + req.Dataset + "\x00" + abs
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.sync(ctx, req, abs)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (s *Syncer) sync(ctx context.Context, req Request, abs string) (*Result, error) {
	snap, err := s.snapshots.Load(abs)
	if errors.IsKind(err, errors.KindCorruptSnapshot) {
		s.logger.Warn("snapshot unreadable, falling back to full ingest", "root", abs, "error", err)
		snap = nil
	} else if err != nil {
		return nil, err
	}
	if snap == nil {
		return s.full(ctx, req, abs)
	}

	rels, err := ingest.WalkFiles(abs, req.Walk)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.Build(abs, rels, 0)
	if err != nil {
		return nil, err
	}

	// Scope must already exist for an incremental path; anything missing
	// means the metadata was cleared underneath the snapshot.
	project, dataset, binding, err := s.resolve(ctx, req.Project, req.Dataset)
	if errors.IsKind(err, errors.KindNotFound) {
		return s.full(ctx, req, abs)
	}
	if err != nil {
		return nil, err
	}
	collection := binding.CollectionName

	if tree.Root() == snap.Root {
		return &Result{Status: StatusUnchanged, PointCount: binding.PointCount}, nil
	}

	changes := Diff(snap.Files, tree.Files())
	res := &Result{Status: StatusSynced}
	var reindex []string

	for _, ch := range changes {
		switch ch.Kind {
		case Added:
			res.Added++
			reindex = append(reindex, ch.Path)
		case Modified:
			res.Modified++
			// The new content gets new chunk ids, so the old points have
			// to go before the re-ingest writes the replacements.
			if err := s.dropSource(ctx, dataset.ID, collection, ch.Path); err != nil {
				return nil, err
			}
			reindex = append(reindex, ch.Path)
		case Deleted:
			res.Deleted++
			if err := s.dropSource(ctx, dataset.ID, collection, ch.Path); err != nil {
				return nil, err
			}
		case Renamed:
			res.Renamed++
			if err := s.moveSource(ctx, dataset.ID, collection, ch.OldPath, ch.Path); err != nil {
				return nil, err
			}
		}
	}

	if len(reindex) > 0 {
		if _, err := s.ingestor.Run(ctx, ingest.Request{
			Project:  req.Project,
			Dataset:  req.Dataset,
			Source:   &deltaSource{root: abs, paths: reindex},
			Progress: req.Progress,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := s.index.Flush(ctx, collection); err != nil {
			return nil, err
		}
		count, err := s.index.Count(ctx, collection)
		if err != nil {
			return nil, err
		}
		if err := s.meta.UpdateBindingCount(ctx, dataset.ID, metastore.BackendLocal, count); err != nil {
			return nil, err
		}
	}

	if err := s.meta.SetDatasetMetadata(ctx, dataset.ID, "fingerprint", tree.Root()); err != nil {
		return nil, err
	}
	if err := s.snapshots.Save(tree, abs); err != nil {
		return nil, err
	}

	count, err := s.index.Count(ctx, collection)
	if err != nil {
		return nil, err
	}
	res.PointCount = count

	s.logger.Info("sync applied",
		"project", project.Name, "dataset", dataset.Name,
		"added", res.Added, "modified", res.Modified,
		"deleted", res.Deleted, "renamed", res.Renamed,
		"points", count)
	return res, nil
}

func (s *Syncer) full(ctx context.Context, req Request, abs string) (*Result, error) {
	run, err := s.ingestor.Run(ctx, ingest.Request{
		Project:  req.Project,
		Dataset:  req.Dataset,
		Source:   &ingest.LocalSource{Root: abs, Opts: req.Walk},
		Progress: req.Progress,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusFull, Added: run.Files, PointCount: run.PointCount}, nil
}

func (s *Syncer) resolve(ctx context.Context, projectName, datasetName string) (*metastore.Project, *metastore.Dataset, *metastore.Binding, error) {
	project, err := s.meta.GetProject(ctx, projectName)
	if err != nil {
		return nil, nil, nil, err
	}
	dataset, err := s.meta.GetDataset(ctx, project.ID, datasetName)
	if err != nil {
		return nil, nil, nil, err
	}
	binding, err := s.meta.GetBinding(ctx, dataset.ID, metastore.BackendLocal)
	if err != nil {
		return nil, nil, nil, err
	}
	if binding.CollectionName == "" {
		binding.CollectionName = scope.CollectionName(project.Name, dataset.Name)
	}
	return project, dataset, binding, nil
}

// dropSource removes a source's points and shadow rows.
func (s *Syncer) dropSource(ctx context.Context, datasetID, collection, sourceKey string) error {
	ids, err := s.meta.ChunkIDsForSource(ctx, datasetID, sourceKey)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := s.index.Delete(ctx, collection, ids); err != nil {
			return err
		}
	}
	return s.meta.ReplaceChunksForSource(ctx, datasetID, sourceKey, nil)
}

// moveSource repoints a renamed source: payload paths move, vectors and
// chunk ids stay, nothing is re-embedded.
func (s *Syncer) moveSource(ctx context.Context, datasetID, collection, oldKey, newKey string) error {
	ids, err := s.meta.ChunkIDsForSource(ctx, datasetID, oldKey)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := s.index.UpdatePayloads(ctx, collection, ids, func(p *vecindex.Payload) {
			p.Path = newKey
		}); err != nil {
			return err
		}
	}
	return s.meta.MoveChunkSource(ctx, datasetID, oldKey, newKey)
}

// deltaSource feeds only the changed files of a tree through the ingest
// pipeline. Its fingerprint is empty so the unchanged-content
// short-circuit never fires on a partial view.
type deltaSource struct {
	root  string
	paths []string
}

var _ ingest.Source = (*deltaSource)(nil)

func (d *deltaSource) Type() string        { return "code" }
func (d *deltaSource) Describe() string    { return d.root }
func (d *deltaSource) Fingerprint() string { return "" }

func (d *deltaSource) Enumerate(ctx context.Context) ([]ingest.Document, error) {
	docs := make([]ingest.Document, 0, len(d.paths))
	for _, rel := range d.paths {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindCancelled, "enumeration cancelled", err)
		}
		content, err := os.ReadFile(filepath.Join(d.root, rel))
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "read changed file", err).WithResource(rel)
		}
		docs = append(docs, ingest.Document{SourceKey: rel, Path: rel, Content: content})
	}
	return docs, nil
}
