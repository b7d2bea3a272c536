// Package eventbus is a lightweight in-memory fanout used to decouple the
// scheduling core from observers (ops surface, history persistence).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the scheduling core. Publishers and subscribers share
// this vocabulary instead of sprinkling string literals around.
const (
	TopicRequestQueued     = "request.queued"
	TopicRequestDispatched = "request.dispatched"
	TopicRequestRetry      = "request.retry"
	TopicRequestCompleted  = "request.completed"
	TopicRequestRejected   = "request.rejected"

	TopicSchedulerPaused  = "scheduler.paused"
	TopicSchedulerResumed = "scheduler.resumed"
	TopicSchedulerIdle    = "scheduler.idle"

	TopicAuthRetry       = "carrier.auth_retry"
	TopicAuthCircuitOpen = "carrier.auth_circuit_open"
)

// Event is an in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a slow subscriber drops events. If a
		// subscriber unsubscribes concurrently and the channel closes,
		// recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
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
