package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/tilecache/model"
)

// Event is one tile transition.
type Event struct {
	Fingerprint model.Fingerprint
	From        State
	To          State
	// Degraded is set when the tile shows a placeholder.
	Degraded bool
	At       time.Time
}

const defaultSubscriberBuffer = 256

// Broadcaster fans transition events out to subscribers. Publish never
// blocks; events for a subscriber whose buffer is full are dropped and
// counted. Subscribers recover the current state from the Tracker.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber with the given buffer size (256 if <= 0).
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish sends an event to all subscribers.
func (b *Broadcaster) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns the number of published events.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Dropped returns the number of deliveries skipped for slow subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	clear(b.subscribers)
}
