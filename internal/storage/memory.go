package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu            sync.Mutex
	closed        bool
	notifications map[string]Notification
	queue         map[string]QueueEntry
	metrics       []MetricEntry
}

func NewMemory() *Memory {
	return &Memory{
		notifications: make(map[string]Notification),
		queue:         make(map[string]QueueEntry),
	}
}

func (m *Memory) CreateNotification(ctx context.Context, n Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if n.ID == "" {
		n.ID = NewID()
	}
	if _, ok := m.notifications[n.ID]; ok {
		return "", ErrConflict
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = nowUTC()
	}
	m.notifications[n.ID] = n
	return n.ID, nil
}

func (m *Memory) CreateQueueEntry(ctx context.Context, e QueueEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if _, ok := m.queue[e.ID]; ok {
		return "", ErrConflict
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	m.queue[e.ID] = e
	return e.ID, nil
}

func (m *Memory) GetQueueEntry(ctx context.Context, id string) (QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return QueueEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return QueueEntry{}, ErrClosed
	}
	e, ok := m.queue[id]
	if !ok {
		return QueueEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) UpdateQueueEntry(ctx context.Context, e QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.queue[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPending || cur.Attempts > e.Attempts {
		return ErrConflict
	}

	cur.Status = e.Status
	cur.Attempts = e.Attempts
	cur.NextAttemptAt = e.NextAttemptAt
	cur.LastError = e.LastError
	cur.UpdatedAt = e.UpdatedAt
	cur.DeliveredAt = e.DeliveredAt
	cur.DeadLetterAt = e.DeadLetterAt
	cur.NotificationID = e.NotificationID
	m.queue[e.ID] = cur
	return nil
}

func (m *Memory) ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]QueueEntry, 0)
	for _, e := range m.queue {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
	}
	sortDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountQueueEntries(ctx context.Context, f QueueFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, e := range m.queue {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.NextAttemptBefore.IsZero() && !e.NextAttemptAt.Before(f.NextAttemptBefore) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) AppendMetric(ctx context.Context, me MetricEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if me.ID == "" {
		me.ID = NewID()
	}
	if me.CreatedAt.IsZero() {
		me.CreatedAt = nowUTC()
	}
	me.Extra = maps.Clone(me.Extra)
	m.metrics = append(m.metrics, me)
	return nil
}

func (m *Memory) SumMetricsSince(ctx context.Context, since time.Time) (Counters, error) {
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Counters{}, ErrClosed
	}

	var sum Counters
	for _, me := range m.metrics {
		if !me.CreatedAt.Before(since) {
			sum.Add(me.Counters)
		}
	}
	return sum, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Notifications returns a snapshot of stored notification records ordered by
// creation time.
func (m *Memory) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// QueueEntries returns a snapshot of every retry queue entry, oldest-due first.
func (m *Memory) QueueEntries() []QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		out = append(out, e)
	}
	sortDue(out)
	return out
}

// Metrics returns a snapshot of appended metric entries in append order.
func (m *Memory) Metrics() []MetricEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MetricEntry(nil), m.metrics...)
}

func sortDue(es []QueueEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].NextAttemptAt.Equal(es[j].NextAttemptAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].NextAttemptAt.Before(es[j].NextAttemptAt)
	})
}
