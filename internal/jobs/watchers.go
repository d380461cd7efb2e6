package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/metastore"
	"github.com/scopehq/contextmcp/internal/syncer"
	"github.com/scopehq/contextmcp/internal/watcher"
)

// WatchRegistry pairs durable watcher rows with live watch sessions.
// The row is the source of truth for listing; the session does the
// actual watching and syncing.
type WatchRegistry struct {
	meta   *metastore.Store
	syncer *syncer.Syncer
	logger *slog.Logger

	base     context.Context
	baseStop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*syncer.WatchSession
}

// NewWatchRegistry creates the registry.
func NewWatchRegistry(meta *metastore.Store, sy *syncer.Syncer) *WatchRegistry {
	base, stop := context.WithCancel(context.Background())
	return &WatchRegistry{
		meta:     meta,
		syncer:   sy,
		base:     base,
		baseStop: stop,
		sessions: map[string]*syncer.WatchSession{},
		logger:   slog.Default().With("component", "watch-registry"),
	}
}

// Start registers and begins a watch. A second watch on the same
// (project, dataset, path) is rejected with AlreadyWatching. Each
// applied sync touches the watcher row so listings show freshness.
func (g *WatchRegistry) Start(ctx context.Context, req syncer.Request, opts watcher.Options) (*metastore.Watcher, error) {
	row, err := g.meta.CreateWatcher(ctx, req.Project, req.Dataset, req.Root)
	if err != nil {
		return nil, err
	}

	session, err := g.syncer.Watch(g.base, req, opts, func(*syncer.Result) {
		if err := g.meta.TouchWatcher(context.Background(), row.ID); err != nil {
			g.logger.Warn("touch watcher failed", "watcher", row.ID, "error", err)
		}
	})
	if err != nil {
		_ = g.meta.DeleteWatcher(ctx, row.ID)
		return nil, err
	}

	g.mu.Lock()
	g.sessions[row.ID] = session
	g.mu.Unlock()

	g.logger.Info("watch started", "watcher", row.ID, "project", req.Project, "dataset", req.Dataset, "path", session.Root)
	return row, nil
}

// Stop ends a watch session and removes its row.
func (g *WatchRegistry) Stop(ctx context.Context, id string) error {
	g.mu.Lock()
	session, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()

	if ok {
		session.Stop()
	}
	err := g.meta.DeleteWatcher(ctx, id)
	if !ok && errors.IsKind(err, errors.KindNotFound) {
		return err
	}
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return err
	}
	return nil
}

// List returns watcher rows, optionally narrowed to a project.
func (g *WatchRegistry) List(ctx context.Context, project string) ([]metastore.Watcher, error) {
	return g.meta.ListWatchers(ctx, project)
}

// StopAll ends every live session. Rows are kept so a restart can show
// what was being watched.
func (g *WatchRegistry) StopAll() {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = map[string]*syncer.WatchSession{}
	g.mu.Unlock()

	g.baseStop()
	for _, s := range sessions {
		s.Stop()
	}
}
