package bus

import (
	"sync"
	"time"
)

// Event names published by the session lifecycle manager.
const (
	Started = "started"
	Ended   = "ended"
)

// Event carries one session lifecycle transition.
type Event struct {
	Name      string    `json:"event"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Token     string    `json:"token,omitempty"`
}

// Bus is an in-process publish/subscribe registry keyed by session id.
// Delivery is best-effort and at-most-once: slow subscribers drop events
// rather than block a publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a listener for one session id. The returned cancel
// func must be called when the listener goes away; it closes the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 8)

	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if m, ok := b.subs[sessionID]; ok {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans an event out to subscribers of its session id.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[evt.SessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
