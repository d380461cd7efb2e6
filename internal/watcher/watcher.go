// Package watcher turns raw filesystem notifications into debounced
// batches of file events suitable for incremental re-indexing. Events
// for the same path inside the debounce window are coalesced, so a save
// storm produces one sync, not fifty.
package watcher

import "time"

// Op is the kind of change observed on a path.
type Op int

const (
	// OpCreate: a new file appeared.
	OpCreate Op = iota
	// OpModify: an existing file changed.
	OpModify
	// OpDelete: a file is gone.
	OpDelete
	// OpIgnoreRules: a .gitignore changed; the consumer should do a full
	// re-sync instead of an incremental one.
	OpIgnoreRules
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpIgnoreRules:
		return "ignore-rules"
	default:
		return "unknown"
	}
}

// Event is one observed change. Path is relative to the watched root.
type Event struct {
	Path  string
	Op    Op
	IsDir bool
	At    time.Time
}

// Options tune a watch session.
type Options struct {
	// DebounceWindow is how long to sit on events before emitting a
	// batch. Defaults to 2s, long enough to absorb editor save storms
	// and git checkouts.
	DebounceWindow time.Duration
	// EventBufferSize caps the batch channel. When a consumer stalls,
	// further batches are dropped and counted rather than blocking the
	// notification loop.
	EventBufferSize int
	// IgnorePatterns are gitignore-syntax patterns applied on top of the
	// root's .gitignore.
	IgnorePatterns []string
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 2 * time.Second
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 64
	}
	return o
}
