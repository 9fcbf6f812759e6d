package event

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener receives the arguments passed to Dispatch or Enqueue
type Listener func(args ...any)

// Handle identifies a registered listener. The zero Handle is never issued.
type Handle struct {
	event Event
	id    uint64
}

// Event returns the event the handle's listener is registered for
func (h Handle) Event() Event {
	return h.event
}

// IsZero reports whether h was never issued by a bus
func (h Handle) IsZero() bool {
	return h.id == 0
}

type listenerEntry struct {
	id      uint64
	fn      Listener
	removed atomic.Bool
}

type queuedEvent struct {
	event Event
	args  []any
}

// Bus dispatches events to listeners.
//
// Dispatch iterates over a snapshot of the listener list, so a listener may
// register or remove listeners (or dispatch again) without corrupting the
// iteration. Listeners appended during a dispatch first see the next event;
// listeners removed during a dispatch are not called afterwards.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]*listenerEntry
	nextID    uint64

	queueMu sync.Mutex
	queue   []queuedEvent

	logger *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[Event][]*listenerEntry),
		logger:    logger,
	}
}

// AppendListener registers fn for e after any existing listeners
func (b *Bus) AppendListener(e Event, fn Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	entry := &listenerEntry{id: b.nextID, fn: fn}
	b.listeners[e] = append(b.listeners[e], entry)
	return Handle{event: e, id: entry.id}
}

// RemoveListener removes the listener behind h. It reports whether a listener
// was removed; removing an already removed handle is a no-op.
func (b *Bus) RemoveListener(h Handle) bool {
	if h.IsZero() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[h.event]
	for i, entry := range entries {
		if entry.id != h.id {
			continue
		}
		entry.removed.Store(true)
		// copy so in-flight snapshots keep their own backing array
		next := make([]*listenerEntry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		b.listeners[h.event] = next
		return true
	}
	return false
}

// HasListeners reports whether any listener is registered for e
func (b *Bus) HasListeners(e Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[e]) > 0
}

// Dispatch calls every listener registered for e, in registration order,
// before returning.
func (b *Bus) Dispatch(e Event, args ...any) {
	b.mu.RLock()
	snapshot := b.listeners[e]
	b.mu.RUnlock()

	b.logger.Debug("dispatch", zap.Stringer("event", e), zap.Int("listeners", len(snapshot)))

	for _, entry := range snapshot {
		if entry.removed.Load() {
			continue
		}
		entry.fn(args...)
	}
}

// Enqueue records e for delivery by a later call to Process
func (b *Bus) Enqueue(e Event, args ...any) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	b.queue = append(b.queue, queuedEvent{event: e, args: args})
}

// Pending returns the number of queued events
func (b *Bus) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// Process dispatches every event queued so far, in enqueue order. Events
// enqueued by listeners while processing are left for the next call.
// It reports whether any event was processed.
func (b *Bus) Process() bool {
	b.queueMu.Lock()
	batch := b.queue
	b.queue = nil
	b.queueMu.Unlock()

	for _, q := range batch {
		b.Dispatch(q.event, q.args...)
	}
	return len(batch) > 0
}

// Clear drops all queued events without delivering them
func (b *Bus) Clear() {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	b.queue = nil
}
