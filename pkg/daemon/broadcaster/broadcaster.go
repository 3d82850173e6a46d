// Package broadcaster manages subscribers and distributes export events.
package broadcaster

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

// BufferSize is the per-subscriber event buffer.
const BufferSize = 256

// Subscriber represents a client subscribed to export events.
type Subscriber struct {
	ID         string
	ManifestID string // empty means every job
	Types      map[protocol.EventType]bool
	Events     chan protocol.Event

	dropped atomic.Int64
}

// Dropped returns how many events did not fit the subscriber's buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Broadcaster manages subscribers and distributes export events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	log         *logging.Logger
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		log:         logging.Get("broadcaster"),
	}
}

// Subscribe creates a new subscription. manifestID limits it to one job;
// types, when non-empty, limits it to those event types.
func (b *Broadcaster) Subscribe(manifestID string, types ...protocol.EventType) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:         uuid.New().String(),
		ManifestID: manifestID,
		Events:     make(chan protocol.Event, BufferSize),
	}
	if len(types) > 0 {
		sub.Types = make(map[protocol.EventType]bool, len(types))
		for _, t := range types {
			sub.Types[t] = true
		}
	}

	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Notify sends an event to all matching subscribers without blocking.
func (b *Broadcaster) Notify(ev protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !matches(sub, ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			// Channel full, event dropped
			if sub.dropped.Add(1) == 1 {
				b.log.Warn("subscriber too slow, dropping events", "subscriber", sub.ID, "event", ev.Type)
			}
		}
	}
}

// matches checks if an event matches a subscriber's filters.
func matches(sub *Subscriber, ev protocol.Event) bool {
	if sub.ManifestID != "" && sub.ManifestID != ev.ManifestID {
		return false
	}
	if sub.Types != nil && !sub.Types[ev.Type] {
		return false
	}
	return true
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
