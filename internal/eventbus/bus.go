package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery lifecycle event types. Data is a Delivery value, except for
// TypeQueueProcessed which carries a Batch.
const (
	TypeDelivered       = "delivery.delivered"
	TypeQueued          = "delivery.queued"
	TypeFailed          = "delivery.failed"
	TypeDropped         = "delivery.dropped"
	TypeQueueDelivered  = "queue.delivered"
	TypeQueueRetried    = "queue.retried"
	TypeQueueDeadLetter = "queue.dead_letter"
	TypeQueueProcessed  = "queue.processed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery describes one pipeline outcome.
type Delivery struct {
	UserID         string `json:"userId,omitempty"`
	Type           string `json:"type,omitempty"`
	Source         string `json:"source,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
	QueueID        string `json:"queueId,omitempty"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// Batch summarizes one retry queue run.
type Batch struct {
	Source       string `json:"source,omitempty"`
	Processed    int    `json:"processed"`
	Delivered    int    `json:"delivered"`
	Retried      int    `json:"retried"`
	DeadLetter   int    `json:"deadLetter"`
	Conflicts    int    `json:"conflicts,omitempty"`
	UpdateErrors int    `json:"updateErrors,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribePrefix only receives events whose Type starts with prefix.
	SubscribePrefix(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscriber{}}
}

type subscriber struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix == "" || strings.HasPrefix(e.Type, s.prefix) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// An unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

func (b *memBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
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

// Dropped reports how many events were discarded because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
