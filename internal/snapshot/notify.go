package snapshot

import (
	"sync"
)

// EventKind names what changed in the cache.
type EventKind string

const (
	EventFlagUpdated    EventKind = "flag_updated"
	EventFlagDeleted    EventKind = "flag_deleted"
	EventSegmentUpdated EventKind = "segment_updated"
)

// Event describes one cache change. Key is the flag key or segment id.
type Event struct {
	Kind    EventKind `json:"kind"`
	Env     string    `json:"env"`
	Key     string    `json:"key"`
	Version int64     `json:"version,omitempty"`
	ETag    string    `json:"etag,omitempty"`
}

// Notifier fans out cache events to subscribers.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	buf  int
}

// NewNotifier returns a Notifier whose subscriber channels hold buf events.
func NewNotifier(buf int) *Notifier {
	if buf < 1 {
		buf = 1
	}
	return &Notifier{subs: make(map[chan Event]struct{}), buf: buf}
}

// Subscribe registers a listener and returns its channel and an unsubscribe func.
// The unsubscribe func closes the channel and may be called more than once.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, n.buf)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			close(ch)
			n.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish notifies all listeners (non-blocking).
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default: // if client is slow, skip instead of blocking
		}
	}
	n.mu.Unlock()
}

// Subscribers returns the number of registered listeners.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
