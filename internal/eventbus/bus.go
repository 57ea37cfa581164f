// Package eventbus fans dispatcher lifecycle events out to in-process
// subscribers (metrics, the daemon's status output, tests).
package eventbus

import (
	"sync"
	"time"
)

// Kind labels a dispatcher lifecycle event.
type Kind string

const (
	Queued  Kind = "queued"
	Deduped Kind = "deduped"
	Dropped Kind = "dropped"
	Merged  Kind = "merged"
	Sent    Kind = "sent"
	Retried Kind = "retried"
	Failed  Kind = "failed"
)

// Event is a small, loggable record of one dispatcher state change.
//
// Contract (kept from day one):
//   - Publish MUST be non-blocking.
//   - Slow subscribers drop events rather than stalling the dispatcher.
type Event struct {
	Kind     Kind
	Time     time.Time
	TaskID   string
	Endpoint string
	Count    int    // batch size for Merged
	Err      string // cause for Dropped/Failed
}

// Bus is an in-memory fanout. A nil *Bus is a valid no-op publisher so
// components can run without one.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish delivers e to every subscriber that has buffer room and
// drops it for the rest. Never blocks.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock during the sends is fine: they are
	// non-blocking, and Unsubscribe takes the write lock before
	// closing, so we never send on a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber channel. The returned
// function unsubscribes and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
