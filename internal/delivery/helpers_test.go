package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore wraps the memory store and fails selected operations.
// failNotifications counts down; -1 fails forever.
type flakyStore struct {
	*storage.Memory

	mu                sync.Mutex
	failNotifications int
	failQueueWrites   bool
	failMetrics       bool
	failList          bool
	notificationCalls int
	listOverride      []storage.QueueEntry
	// afterNotification runs after each successful CreateNotification.
	afterNotification func()
}

func newFlakyStore() *flakyStore { return &flakyStore{Memory: storage.NewMemory()} }

func (f *flakyStore) setFailNotifications(n int) {
	f.mu.Lock()
	f.failNotifications = n
	f.mu.Unlock()
}

func (f *flakyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notificationCalls
}

func (f *flakyStore) CreateNotification(ctx context.Context, n storage.Notification) (string, error) {
	f.mu.Lock()
	f.notificationCalls++
	if f.failNotifications != 0 {
		if f.failNotifications > 0 {
			f.failNotifications--
		}
		f.mu.Unlock()
		return "", errStoreDown
	}
	after := f.afterNotification
	f.mu.Unlock()
	id, err := f.Memory.CreateNotification(ctx, n)
	if err == nil && after != nil {
		after()
	}
	return id, err
}

func (f *flakyStore) CreateQueueEntry(ctx context.Context, e storage.QueueEntry) (string, error) {
	f.mu.Lock()
	fail := f.failQueueWrites
	f.mu.Unlock()
	if fail {
		return "", errStoreDown
	}
	return f.Memory.CreateQueueEntry(ctx, e)
}

func (f *flakyStore) AppendMetric(ctx context.Context, m storage.MetricEntry) error {
	f.mu.Lock()
	fail := f.failMetrics
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.Memory.AppendMetric(ctx, m)
}

func (f *flakyStore) ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]storage.QueueEntry, error) {
	f.mu.Lock()
	fail, override := f.failList, f.listOverride
	f.mu.Unlock()
	if fail {
		return nil, errStoreDown
	}
	if override != nil {
		return override, nil
	}
	return f.Memory.ListDueQueueEntries(ctx, now, limit)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	svc    *Service
	store  *flakyStore
	clock  *fakeClock
	sleeps *sleepRecorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  newFlakyStore(),
		clock:  newFakeClock(),
		sleeps: &sleepRecorder{},
	}
	base := []Option{
		WithLogger(logx.Nop()),
		WithClock(h.clock.Now),
		WithSleeper(h.sleeps.Sleep),
	}
	h.svc = New(h.store, cfg, append(base, opts...)...)
	return h
}

func validPayload() Payload {
	return Payload{UserID: "u1", Title: "Hi", Message: "Hello", Type: "chat"}
}

func metricEvents(ms []storage.MetricEntry) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Event)
	}
	return out
}

func countEvent(ms []storage.MetricEntry, event string) int {
	n := 0
	for _, m := range ms {
		if m.Event == event {
			n++
		}
	}
	return n
}
