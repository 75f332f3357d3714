// Package eventbus implements the per-(thread,turn) event fan-out
// described in spec.md §4.F: agent notifications are published here and
// relayed FIFO to whichever consumer registered for that turn.
package eventbus

import (
	"sync"
	"time"

	"github.com/lucky401/carrunner/pkg/logx"
)

// Event is one notification observed from an agent.
type Event struct {
	Method    string
	Params    map[string]any
	Origin    time.Time
}

// Key identifies a single turn's event channel.
type Key struct {
	ThreadID string
	TurnID   string
}

const deadLetterCapacity = 256

// Bus fans out events keyed by (thread,turn) to exactly one registered
// subscriber channel per key. Unknown or late keys go to a bounded
// dead-letter ring rather than being dropped silently.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Key]chan Event
	deadLetters []deadLetter
	logger      *logx.Logger
}

type deadLetter struct {
	Key   Key
	Event Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Key]chan Event),
		logger:      logx.NewLogger("eventbus"),
	}
}

// Subscribe registers a buffered channel for key and returns it along with
// an unsubscribe function. Only one subscriber may be registered per key
// at a time; a second Subscribe call for the same key replaces the first
// and closes its channel.
func (b *Bus) Subscribe(key Key, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if old, ok := b.subscribers[key]; ok {
		close(old)
	}
	b.subscribers[key] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subscribers[key]; ok && cur == ch {
			delete(b.subscribers, key)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to key's subscriber, if any. A full subscriber
// channel is treated as backpressure: the caller's turn orchestrator will
// observe this via its own timeout path (spec.md §4.F "Backpressure"), so
// Publish never blocks — it drops to the dead-letter ring instead and logs
// a warning.
func (b *Bus) Publish(key Key, ev Event) {
	b.mu.Lock()
	ch, ok := b.subscribers[key]
	b.mu.Unlock()

	if ok {
		select {
		case ch <- ev:
			return
		default:
			b.logger.Warn("eventbus: subscriber for %+v is not draining, disconnecting", key)
			b.mu.Lock()
			if cur, stillCurrent := b.subscribers[key]; stillCurrent && cur == ch {
				delete(b.subscribers, key)
				close(ch)
			}
			b.mu.Unlock()
		}
	}

	b.recordDeadLetter(key, ev)
}

func (b *Bus) recordDeadLetter(key Key, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, deadLetter{Key: key, Event: ev})
	if len(b.deadLetters) > deadLetterCapacity {
		b.deadLetters = b.deadLetters[len(b.deadLetters)-deadLetterCapacity:]
	}
}

// DeadLetterCount reports how many events are currently retained in the
// dead-letter ring, for metrics emission.
func (b *Bus) DeadLetterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deadLetters)
}
