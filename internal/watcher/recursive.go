package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/gitignore"
)

// alwaysIgnored keeps noise sources out of every watch session even
// when the root has no .gitignore.
var alwaysIgnored = []string{
	".git/", ".hg/", ".svn/", "node_modules/", "__pycache__/",
	".venv/", "venv/", ".idea/", ".vscode/", ".context/",
}

// Watcher observes one directory tree through fsnotify and emits
// debounced event batches.
type Watcher struct {
	root    string
	opts    Options
	fsw     *fsnotify.Watcher
	deb     *debouncer
	ignore  *gitignore.Matcher
	errs    chan error
	dropped atomic.Uint64
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// New prepares a watcher over root. Start must be called to begin
// observation.
func New(root string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, "resolve watch root", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "stat watch root", err).WithResource(abs)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.KindValidation, "watch root is not a directory").WithResource(abs)
	}

	opts = opts.withDefaults()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create filesystem watcher", err)
	}

	w := &Watcher{
		root:   abs,
		opts:   opts,
		fsw:    fsw,
		errs:   make(chan error, 8),
		logger: slog.Default().With("component", "watcher", "root", abs),
	}
	w.deb = newDebouncer(opts.DebounceWindow, opts.EventBufferSize, func() { w.dropped.Add(1) })
	w.reloadIgnoreRules()
	return w, nil
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string { return w.root }

// Events yields debounced batches. The channel closes on Stop.
func (w *Watcher) Events() <-chan []Event { return w.deb.out }

// Errors yields non-fatal observation errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Dropped reports how many batches were discarded because the consumer
// fell behind.
func (w *Watcher) Dropped() uint64 { return w.dropped.Load() }

// Start registers the tree and runs the notification loop until the
// context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	// errs stays open; the loop goroutine may still be draining
	// fsnotify's channels when Close returns.
	err := w.fsw.Close()
	w.deb.stop()
	return err
}

func (w *Watcher) reloadIgnoreRules() {
	m := gitignore.New()
	for _, p := range alwaysIgnored {
		m.AddPattern(p)
	}
	for _, p := range w.opts.IgnorePatterns {
		m.AddPattern(p)
	}
	if path := filepath.Join(w.root, ".gitignore"); fileExists(path) {
		if err := m.AddFromFile(path, ""); err != nil {
			w.logger.Warn("gitignore load failed", "error", err)
		}
	}
	w.mu.Lock()
	w.ignore = m
	w.mu.Unlock()
}

func (w *Watcher) ignored(rel string, isDir bool) bool {
	w.mu.Lock()
	m := w.ignore
	w.mu.Unlock()
	return m.Match(rel, isDir)
}

// addTree registers root and every non-ignored subdirectory. fsnotify
// watches are not recursive on their own.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(errors.KindIO, "walk watch tree", err).WithResource(path)
		}
		if !d.IsDir() {
			return nil
		}
		rel := w.rel(path)
		if rel != "." && w.ignored(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return errors.Wrap(errors.KindIO, "register directory", err).WithResource(path)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- errors.Wrap(errors.KindIO, "filesystem notification", err):
			default:
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel := w.rel(ev.Name)
	if rel == "." {
		return
	}

	if filepath.Base(ev.Name) == ".gitignore" {
		w.reloadIgnoreRules()
		w.emit(Event{Path: rel, Op: OpIgnoreRules, At: time.Now()})
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()
	if w.ignored(rel, isDir) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if isDir {
			// New directories need their own watches, and any files
			// already inside them were created before the watch landed.
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory failed", "path", rel, "error", err)
			}
			w.emitTreeCreates(ev.Name)
			return
		}
		w.emit(Event{Path: rel, Op: OpCreate, At: time.Now()})
	case ev.Op.Has(fsnotify.Write):
		if !isDir {
			w.emit(Event{Path: rel, Op: OpModify, At: time.Now()})
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// Rename delivers the old name only; the new name arrives as a
		// separate Create. The debouncer pairs delete+create into modify
		// when they hit the same path.
		w.emit(Event{Path: rel, Op: OpDelete, At: time.Now()})
	}
}

func (w *Watcher) emitTreeCreates(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel := w.rel(path)
		if w.ignored(rel, false) {
			return nil
		}
		w.emit(Event{Path: rel, Op: OpCreate, At: time.Now()})
		return nil
	})
}

func (w *Watcher) emit(ev Event) {
	w.deb.add(ev)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
