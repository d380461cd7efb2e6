package watcher

import (
	"sync"
	"time"
)

// debouncer coalesces events per path and emits batches after the
// window goes quiet. Coalescing rules:
//
//	create + modify = create
//	create + delete = nothing
//	modify + delete = delete
//	delete + create = modify (file was replaced)
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingEvent
	timer   *time.Timer
	out     chan []Event
	onDrop  func()
	stopped bool
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

func newDebouncer(window time.Duration, buffer int, onDrop func()) *debouncer {
	return &debouncer{
		window:  window,
		pending: map[string]*pendingEvent{},
		out:     make(chan []Event, buffer),
		onDrop:  onDrop,
	}
}

func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[ev.Path]; ok {
		merged := coalesce(existing, ev)
		if merged == nil {
			delete(d.pending, ev.Path)
		} else {
			existing.event = *merged
		}
	} else {
		d.pending[ev.Path] = &pendingEvent{event: ev, firstOp: ev.Op}
	}

	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.flush)
	} else {
		d.timer.Reset(d.window)
	}
}

func coalesce(existing *pendingEvent, next Event) *Event {
	switch existing.firstOp {
	case OpCreate:
		switch next.Op {
		case OpModify:
			return &existing.event
		case OpDelete:
			return nil
		}
	case OpDelete:
		if next.Op == OpCreate {
			replaced := next
			replaced.Op = OpModify
			return &replaced
		}
	}
	return &next
}

// flush emits the pending batch. A full output channel drops the batch;
// the caller tracks drops and the next sync reconciles.
func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		d.timer = nil
		return
	}
	batch := make([]Event, 0, len(d.pending))
	for _, p := range d.pending {
		batch = append(batch, p.event)
	}
	d.pending = map[string]*pendingEvent{}
	d.timer = nil

	// Send under the lock so stop cannot close the channel mid-send.
	// The channel is buffered and the send never blocks.
	select {
	case d.out <- batch:
	default:
		if d.onDrop != nil {
			d.onDrop()
		}
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	close(d.out)
}
