package syncer

import (
	"context"
	"sync"

	"github.com/scopehq/contextmcp/internal/watcher"
)

// WatchSession couples a filesystem watcher to a sync loop: every
// debounced batch triggers one incremental sync of the watched dataset.
type WatchSession struct {
	Project string
	Dataset string
	Root    string

	w      *watcher.Watcher
	cancel context.CancelFunc
	done   chan struct{}
	onSync func(*Result)

	mu      sync.Mutex
	synced  int
	lastErr error
}

// Watch starts watching req.Root and syncing on change. An initial sync
// runs before the first event so the session starts from a consistent
// index. onSync (may be nil) fires after every sync that applied
// changes. The session ends when Stop is called or ctx is cancelled.
func (s *Syncer) Watch(ctx context.Context, req Request, opts watcher.Options, onSync func(*Result)) (*WatchSession, error) {
	w, err := watcher.New(req.Root, opts)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	if err := w.Start(wctx); err != nil {
		cancel()
		_ = w.Stop()
		return nil, err
	}

	sess := &WatchSession{
		Project: req.Project,
		Dataset: req.Dataset,
		Root:    w.Root(),
		w:       w,
		cancel:  cancel,
		done:    make(chan struct{}),
		onSync:  onSync,
	}
	go sess.loop(wctx, s, req)
	return sess, nil
}

func (sess *WatchSession) loop(ctx context.Context, s *Syncer, req Request) {
	defer close(sess.done)

	sess.runSync(ctx, s, req)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-sess.w.Events():
			if !ok {
				return
			}
			if len(batch) == 0 {
				continue
			}
			sess.runSync(ctx, s, req)
		case err, ok := <-sess.w.Errors():
			if !ok {
				return
			}
			s.logger.Warn("watch error", "root", sess.Root, "error", err)
		}
	}
}

func (sess *WatchSession) runSync(ctx context.Context, s *Syncer, req Request) {
	res, err := s.Sync(ctx, req)
	sess.mu.Lock()
	sess.lastErr = err
	applied := err == nil && res.Status != StatusUnchanged
	if applied {
		sess.synced++
	}
	sess.mu.Unlock()
	if applied && sess.onSync != nil {
		sess.onSync(res)
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("watch sync failed", "root", sess.Root, "error", err)
	}
}

// Stats reports how many syncs applied changes and the last error.
func (sess *WatchSession) Stats() (synced int, lastErr error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.synced, sess.lastErr
}

// Stop ends the session and waits for the loop to drain.
func (sess *WatchSession) Stop() {
	sess.cancel()
	_ = sess.w.Stop()
	<-sess.done
}
