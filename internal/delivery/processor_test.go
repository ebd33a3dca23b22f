package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
)

func enqueueOne(t *testing.T, h *harness, maxAttempts int) string {
	t.Helper()
	id, err := h.svc.Enqueue(context.Background(), validPayload(), "test", "initial failure", maxAttempts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func mustEntry(t *testing.T, h *harness, id string) storage.QueueEntry {
	t.Helper()
	e, err := h.store.GetQueueEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQueueEntry(%s): %v", id, err)
	}
	return e
}

func TestProcessDueDelivers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := enqueueOne(t, h, 8)
	h.clock.Advance(time.Second)

	res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessDue error: %v", err)
	}
	if res != (ProcessResult{Processed: 1, Delivered: 1}) {
		t.Fatalf("result = %+v, want processed=1 delivered=1", res)
	}

	e := mustEntry(t, h, id)
	if e.Status != storage.StatusDelivered || e.NotificationID == "" {
		t.Fatalf("entry = %s/%q, want delivered with notification id", e.Status, e.NotificationID)
	}
	if !e.DeliveredAt.Equal(h.clock.Now()) || !e.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("DeliveredAt = %v UpdatedAt = %v, want %v", e.DeliveredAt, e.UpdatedAt, h.clock.Now())
	}
	if e.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", e.Attempts)
	}
	if ns := h.store.Notifications(); len(ns) != 1 || ns[0].ID != e.NotificationID {
		t.Fatalf("notifications = %+v", ns)
	}

	ms := h.store.Metrics()
	last := ms[len(ms)-1]
	if last.Event != EventQueueProcess || last.Counters.Processed != 1 || last.Counters.Delivered != 1 {
		t.Fatalf("last metric = %+v, want queue_process processed=1 delivered=1", last)
	}
}

func TestProcessDueReschedulesOnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := enqueueOne(t, h, 8)
	h.store.setFailNotifications(-1)

	res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessDue error: %v", err)
	}
	if res != (ProcessResult{Processed: 1, Retried: 1}) {
		t.Fatalf("result = %+v, want processed=1 retried=1", res)
	}

	e := mustEntry(t, h, id)
	if e.Status != storage.StatusPending || e.Attempts != 1 {
		t.Fatalf("entry = %s/%d, want pending/1", e.Status, e.Attempts)
	}
	if want := h.clock.Now().Add(30 * time.Second); !e.NextAttemptAt.Equal(want) {
		t.Fatalf("NextAttemptAt = %v, want %v", e.NextAttemptAt, want)
	}
	if e.LastError != errStoreDown.Error() {
		t.Fatalf("LastError = %q, want %q", e.LastError, errStoreDown.Error())
	}

	// Not due again until the backoff has elapsed.
	h.clock.Advance(29 * time.Second)
	res, _ = h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if res.Processed != 0 {
		t.Fatalf("processed before due: %+v", res)
	}
}

func TestProcessDueDeadLettersOnMaxAttemptsFailure(t *testing.T) {
	t.Parallel()

	const maxAttempts = 8
	h := newHarness(t, Config{})
	id := enqueueOne(t, h, maxAttempts)
	h.store.setFailNotifications(-1)

	prevNext := mustEntry(t, h, id).NextAttemptAt
	for i := 1; i <= maxAttempts; i++ {
		res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{})
		if err != nil {
			t.Fatalf("run %d: ProcessDue error: %v", i, err)
		}
		if res.Processed != 1 {
			t.Fatalf("run %d: processed = %d, want 1", i, res.Processed)
		}
		e := mustEntry(t, h, id)
		if e.Attempts != i {
			t.Fatalf("run %d: attempts = %d, want %d", i, e.Attempts, i)
		}
		if i < maxAttempts {
			if e.Status != storage.StatusPending || res.Retried != 1 {
				t.Fatalf("run %d: status = %s retried = %d, want pending/1", i, e.Status, res.Retried)
			}
			if !e.NextAttemptAt.After(prevNext) {
				t.Fatalf("run %d: NextAttemptAt %v not after %v", i, e.NextAttemptAt, prevNext)
			}
			prevNext = e.NextAttemptAt
			h.clock.Advance(QueueBackoff(i))
			continue
		}
		if e.Status != storage.StatusDeadLetter || res.DeadLetter != 1 {
			t.Fatalf("run %d: status = %s deadLetter = %d, want dead_letter/1", i, e.Status, res.DeadLetter)
		}
		if e.DeadLetterAt.IsZero() || e.LastError == "" {
			t.Fatalf("dead-letter stamps missing: %+v", e)
		}
	}

	st, err := h.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.DeadLetter < 1 || st.PendingQueue != 0 {
		t.Fatalf("stats = %+v, want deadLetter>=1 pending=0", st)
	}

	// Terminal entries are never touched again.
	h.clock.Advance(24 * time.Hour)
	res, _ := h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if res.Processed != 0 || mustEntry(t, h, id).Attempts != maxAttempts {
		t.Fatalf("dead-lettered entry reprocessed: %+v", res)
	}
}

func TestProcessDueInvalidPayloadIsDeadLettered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	now := h.clock.Now()
	id, err := h.store.CreateQueueEntry(context.Background(), storage.QueueEntry{
		UserID: "u1", Title: "  ", Message: "Hello", Type: "chat",
		Status: storage.StatusPending, Attempts: 2, MaxAttempts: 8, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateQueueEntry: %v", err)
	}

	res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessDue error: %v", err)
	}
	if res.DeadLetter != 1 || h.store.calls() != 0 {
		t.Fatalf("result = %+v store calls = %d, want dead letter without delivery", res, h.store.calls())
	}
	e := mustEntry(t, h, id)
	if e.Status != storage.StatusDeadLetter || e.LastError != "Invalid payload" || e.Attempts != 3 {
		t.Fatalf("entry = %s/%q/%d, want dead_letter/Invalid payload/3", e.Status, e.LastError, e.Attempts)
	}
}

func TestProcessDueOrderAndLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	now := h.clock.Now()
	mk := func(id string, next time.Time) {
		t.Helper()
		_, err := h.store.CreateQueueEntry(context.Background(), storage.QueueEntry{
			ID: id, UserID: "u-" + id, Title: "t", Message: "m", Type: "system",
			Status: storage.StatusPending, MaxAttempts: 8, NextAttemptAt: next, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("CreateQueueEntry(%s): %v", id, err)
		}
	}
	mk("newest", now.Add(-time.Minute))
	mk("oldest", now.Add(-time.Hour))
	mk("middle", now.Add(-10*time.Minute))
	mk("future", now.Add(time.Hour))

	res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ProcessDue error: %v", err)
	}
	if res.Processed != 2 || res.Delivered != 2 {
		t.Fatalf("result = %+v, want 2 delivered", res)
	}
	for id, want := range map[string]storage.QueueStatus{
		"oldest": storage.StatusDelivered,
		"middle": storage.StatusDelivered,
		"newest": storage.StatusPending,
		"future": storage.StatusPending,
	} {
		if got := mustEntry(t, h, id).Status; got != want {
			t.Fatalf("%s status = %s, want %s", id, got, want)
		}
	}
	ns := h.store.Notifications()
	if len(ns) != 2 {
		t.Fatalf("notifications = %d, want 2", len(ns))
	}
}

func TestProcessDueCountsConflicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := enqueueOne(t, h, 8)
	stale := mustEntry(t, h, id)

	// Another run delivers the entry after this run read it.
	if _, err := h.svc.ProcessDue(context.Background(), ProcessOptions{}); err != nil {
		t.Fatalf("first ProcessDue: %v", err)
	}
	h.store.listOverride = []storage.QueueEntry{stale}

	res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if err != nil {
		t.Fatalf("second ProcessDue: %v", err)
	}
	if res.Processed != 1 || res.Conflicts != 1 || res.Delivered != 0 {
		t.Fatalf("result = %+v, want one conflict", res)
	}
	if e := mustEntry(t, h, id); e.Status != storage.StatusDelivered {
		t.Fatalf("status = %s, want delivered", e.Status)
	}
	// At-least-once: the racing run wrote a second record.
	if n := len(h.store.Notifications()); n != 2 {
		t.Fatalf("notifications = %d, want 2", n)
	}
}

func TestProcessDueEmptyWritesNoMetric(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	res, err := h.svc.ProcessDue(context.Background(), ProcessOptions{})
	if err != nil || res != (ProcessResult{}) {
		t.Fatalf("ProcessDue = %+v, %v, want zero", res, err)
	}
	if n := len(h.store.Metrics()); n != 0 {
		t.Fatalf("metrics = %d, want 0", n)
	}
}

func TestProcessDueScanFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.failList = true
	if _, err := h.svc.ProcessDue(context.Background(), ProcessOptions{}); !errors.Is(err, errStoreDown) {
		t.Fatalf("ProcessDue error = %v, want store error", err)
	}
}

func TestEnqueueClampsMaxAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	id := enqueueOne(t, h, 0)
	if e := mustEntry(t, h, id); e.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", e.MaxAttempts)
	}

	if _, err := h.svc.Enqueue(context.Background(), Payload{UserID: "u1"}, "test", "x", 3); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("Enqueue(invalid) error = %v, want ErrInvalidPayload", err)
	}
}

func TestProcessDueFinishesEntryWhenRunIsCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	first := enqueueOne(t, h, 8)
	h.clock.Advance(time.Second)
	second := enqueueOne(t, h, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.mu.Lock()
	h.store.afterNotification = cancel
	h.store.mu.Unlock()

	res, err := h.svc.ProcessDue(ctx, ProcessOptions{})
	if err != nil {
		t.Fatalf("ProcessDue error: %v", err)
	}
	if res != (ProcessResult{Processed: 1, Delivered: 1}) {
		t.Fatalf("result = %+v, want processed=1 delivered=1", res)
	}
	if e := mustEntry(t, h, first); e.Status != storage.StatusDelivered || e.NotificationID == "" {
		t.Fatalf("first entry = %s/%q, want delivered with notification id", e.Status, e.NotificationID)
	}
	if e := mustEntry(t, h, second); e.Status != storage.StatusPending {
		t.Fatalf("second entry = %s, want pending", e.Status)
	}

	ms := h.store.Metrics()
	if n := countEvent(ms, EventQueueProcess); n != 1 {
		t.Fatalf("queue_process metrics = %d, want 1 (events %v)", n, metricEvents(ms))
	}
	last := ms[len(ms)-1]
	if last.Counters.Processed != 1 || last.Counters.Delivered != 1 {
		t.Fatalf("queue_process counters = %+v, want processed=1 delivered=1", last.Counters)
	}
}

func TestProcessDuePublishesBatchSummary(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix(eventbus.TypeQueueProcessed, 4)
	defer unsub()

	h := newHarness(t, Config{}, WithBus(bus))
	enqueueOne(t, h, 8)
	enqueueOne(t, h, 8)
	h.store.setFailNotifications(1)

	if _, err := h.svc.ProcessDue(context.Background(), ProcessOptions{}); err != nil {
		t.Fatalf("ProcessDue error: %v", err)
	}
	if len(ch) != 1 {
		t.Fatalf("queue.processed events = %d, want 1", len(ch))
	}
	b, ok := (<-ch).Data.(eventbus.Batch)
	if !ok {
		t.Fatalf("event data is not a Batch")
	}
	want := eventbus.Batch{Source: DefaultSource, Processed: 2, Delivered: 1, Retried: 1}
	if b != want {
		t.Fatalf("batch = %+v, want %+v", b, want)
	}
}
