package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the monitor.
const (
	TypeJobSubmitted   = "job.submitted"
	TypeJobCompleted   = "job.completed"
	TypeJobLost        = "job.lost"
	TypeCycleCompleted = "cycle.completed"
	TypeCycleFailed    = "cycle.failed"
	TypeStatsHarvested = "stats.harvested"
)

// Event is a server-side realtime event pushed to API clients.
type Event struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	Test    string    `json:"test,omitempty"`
	Counter int64     `json:"counter,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	CycleID string    `json:"cycle_id,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher accepts events. *Broker implements it; components that only
// emit events depend on this interface.
type Publisher interface {
	Publish(evt Event)
}

const historySize = 256

// Broker is an in-memory fan-out event bus for SSE and websocket
// subscribers. It keeps the most recent events for clients that connect
// late.
type Broker struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	nextCh int64
	subs   map[int64]chan Event

	histMu  sync.Mutex
	history []Event
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int64]chan Event),
	}
}

// Publish broadcasts an event to all active subscribers.
// Slow subscribers drop events instead of blocking producers.
func (b *Broker) Publish(evt Event) {
	evt.ID = b.nextID.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.histMu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > historySize {
		b.history = append(b.history[:0:0], b.history[len(b.history)-historySize:]...)
	}
	b.histMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Recent returns up to n of the latest events, oldest first. Events with
// an ID at or below afterID are skipped.
func (b *Broker) Recent(n int, afterID int64) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []Event
	for _, evt := range b.history {
		if evt.ID > afterID {
			out = append(out, evt)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Subscribe registers a subscriber and returns an event channel and cancel func.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	id := atomic.AddInt64(&b.nextCh, 1)
	ch := make(chan Event, 32)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}

	return ch, cancel
}
