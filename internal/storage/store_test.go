package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func pendingEntry(id string, next time.Time) QueueEntry {
	return QueueEntry{
		ID:            id,
		UserID:        "u1",
		Title:         "Hi",
		Message:       "Hello",
		Type:          "chat",
		Source:        "test",
		Status:        StatusPending,
		MaxAttempts:   8,
		NextAttemptAt: next,
		LastError:     "boom",
		CreatedAt:     testBase,
		UpdatedAt:     testBase,
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open(empty) error: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("Open(empty) = %T, want *Memory", st)
	}

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Open(mongo) error = %v, want ErrUnknownDriver", err)
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("Open(sqlite without path) error = nil, want error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres without dsn) error = nil, want error")
	}
}

func TestCreateNotification(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := st.CreateNotification(ctx, Notification{
				UserID: "u1", Title: "Hi", Message: "Hello", Type: "chat", RelatedID: "ex-1", CreatedAt: testBase,
			})
			if err != nil {
				t.Fatalf("CreateNotification error: %v", err)
			}
			if id == "" {
				t.Fatalf("CreateNotification id is empty")
			}

			_, err = st.CreateNotification(ctx, Notification{ID: id, UserID: "u1", Title: "x", Message: "y", Type: "chat"})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate CreateNotification error = %v, want ErrConflict", err)
			}
		})
	}
}

func TestQueueEntryRoundTrip(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := pendingEntry("", testBase)
			in.RelatedID = "ex-9"
			id, err := st.CreateQueueEntry(ctx, in)
			if err != nil {
				t.Fatalf("CreateQueueEntry error: %v", err)
			}

			got, err := st.GetQueueEntry(ctx, id)
			if err != nil {
				t.Fatalf("GetQueueEntry error: %v", err)
			}
			if got.ID != id || got.UserID != "u1" || got.RelatedID != "ex-9" || got.SenderID != "" {
				t.Fatalf("GetQueueEntry = %+v", got)
			}
			if got.Status != StatusPending || got.Attempts != 0 || got.MaxAttempts != 8 {
				t.Fatalf("state = %s/%d/%d, want pending/0/8", got.Status, got.Attempts, got.MaxAttempts)
			}
			if !got.NextAttemptAt.Equal(testBase) || !got.DeliveredAt.IsZero() {
				t.Fatalf("times = next %v delivered %v", got.NextAttemptAt, got.DeliveredAt)
			}

			if _, err := st.GetQueueEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetQueueEntry(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListDueQueueEntries(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreate := func(e QueueEntry) {
				t.Helper()
				if _, err := st.CreateQueueEntry(ctx, e); err != nil {
					t.Fatalf("CreateQueueEntry(%s): %v", e.ID, err)
				}
			}
			mustCreate(pendingEntry("c", testBase.Add(-1*time.Minute)))
			mustCreate(pendingEntry("a", testBase.Add(-3*time.Minute)))
			mustCreate(pendingEntry("b", testBase.Add(-2*time.Minute)))
			mustCreate(pendingEntry("future", testBase.Add(time.Minute)))
			done := pendingEntry("done", testBase.Add(-10*time.Minute))
			done.Status = StatusDelivered
			mustCreate(done)

			due, err := st.ListDueQueueEntries(ctx, testBase, 50)
			if err != nil {
				t.Fatalf("ListDueQueueEntries error: %v", err)
			}
			var ids []string
			for _, e := range due {
				ids = append(ids, e.ID)
			}
			if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
				t.Fatalf("due ids = %v, want [a b c]", ids)
			}

			due, err = st.ListDueQueueEntries(ctx, testBase, 2)
			if err != nil {
				t.Fatalf("ListDueQueueEntries(limit 2) error: %v", err)
			}
			if len(due) != 2 || due[0].ID != "a" {
				t.Fatalf("limited due = %d entries, first %q", len(due), due[0].ID)
			}
		})
	}
}

func TestCountQueueEntries(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, off := range []time.Duration{-30 * time.Minute, -20 * time.Minute, -time.Minute, time.Minute} {
				e := pendingEntry(string(rune('a'+i)), testBase.Add(off))
				if _, err := st.CreateQueueEntry(ctx, e); err != nil {
					t.Fatalf("CreateQueueEntry: %v", err)
				}
			}
			dl := pendingEntry("dl", testBase.Add(-time.Hour))
			dl.Status = StatusDeadLetter
			if _, err := st.CreateQueueEntry(ctx, dl); err != nil {
				t.Fatalf("CreateQueueEntry: %v", err)
			}

			cases := []struct {
				name string
				f    QueueFilter
				want int
			}{
				{"pending", QueueFilter{Status: StatusPending}, 4},
				{"stale", QueueFilter{Status: StatusPending, NextAttemptBefore: testBase.Add(-10 * time.Minute)}, 2},
				{"dead letter", QueueFilter{Status: StatusDeadLetter}, 1},
				{"delivered", QueueFilter{Status: StatusDelivered}, 0},
			}
			for _, tc := range cases {
				got, err := st.CountQueueEntries(ctx, tc.f)
				if err != nil {
					t.Fatalf("%s: CountQueueEntries error: %v", tc.name, err)
				}
				if got != tc.want {
					t.Fatalf("%s: count = %d, want %d", tc.name, got, tc.want)
				}
			}
		})
	}
}

func TestUpdateQueueEntryGuards(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := st.CreateQueueEntry(ctx, pendingEntry("q1", testBase))
			if err != nil {
				t.Fatalf("CreateQueueEntry: %v", err)
			}

			e, _ := st.GetQueueEntry(ctx, id)
			e.Attempts = 1
			e.NextAttemptAt = testBase.Add(30 * time.Second)
			e.LastError = "still failing"
			e.UpdatedAt = testBase
			if err := st.UpdateQueueEntry(ctx, e); err != nil {
				t.Fatalf("retry UpdateQueueEntry error: %v", err)
			}

			stale := e
			stale.Attempts = 0
			if err := st.UpdateQueueEntry(ctx, stale); !errors.Is(err, ErrConflict) {
				t.Fatalf("decreasing attempts error = %v, want ErrConflict", err)
			}

			e.Attempts = 2
			e.Status = StatusDelivered
			e.DeliveredAt = testBase.Add(time.Minute)
			e.NotificationID = "n1"
			if err := st.UpdateQueueEntry(ctx, e); err != nil {
				t.Fatalf("deliver UpdateQueueEntry error: %v", err)
			}

			back := e
			back.Status = StatusPending
			back.Attempts = 3
			if err := st.UpdateQueueEntry(ctx, back); !errors.Is(err, ErrConflict) {
				t.Fatalf("update after delivered error = %v, want ErrConflict", err)
			}

			got, _ := st.GetQueueEntry(ctx, id)
			if got.Status != StatusDelivered || got.Attempts != 2 || got.NotificationID != "n1" {
				t.Fatalf("final entry = %s/%d/%q, want delivered/2/n1", got.Status, got.Attempts, got.NotificationID)
			}
			if !got.DeliveredAt.Equal(testBase.Add(time.Minute)) {
				t.Fatalf("DeliveredAt = %v", got.DeliveredAt)
			}

			missing := pendingEntry("nope", testBase)
			if err := st.UpdateQueueEntry(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update missing error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSumMetricsSince(t *testing.T) {
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entries := []MetricEntry{
				{Event: "queue_process", Counters: Counters{Processed: 5, Delivered: 3, Retried: 1, DeadLetter: 1}, CreatedAt: testBase.Add(-30 * time.Minute)},
				{Event: "queued", Counters: Counters{Queued: 1}, Extra: map[string]any{"queueId": "q1"}, CreatedAt: testBase.Add(-10 * time.Minute)},
				{Event: "immediate_delivered", Counters: Counters{Delivered: 1}, CreatedAt: testBase.Add(-2 * time.Hour)},
			}
			for _, m := range entries {
				if err := st.AppendMetric(ctx, m); err != nil {
					t.Fatalf("AppendMetric: %v", err)
				}
			}

			got, err := st.SumMetricsSince(ctx, testBase.Add(-time.Hour))
			if err != nil {
				t.Fatalf("SumMetricsSince error: %v", err)
			}
			want := Counters{Processed: 5, Delivered: 3, Queued: 1, Retried: 1, DeadLetter: 1}
			if got != want {
				t.Fatalf("SumMetricsSince = %+v, want %+v", got, want)
			}

			empty, err := st.SumMetricsSince(ctx, testBase.Add(time.Hour))
			if err != nil {
				t.Fatalf("SumMetricsSince(empty) error: %v", err)
			}
			if empty != (Counters{}) {
				t.Fatalf("SumMetricsSince(empty) = %+v, want zero", empty)
			}
		})
	}
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	_ = m.Close()
	if _, err := m.CreateNotification(context.Background(), Notification{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateNotification after Close error = %v, want ErrClosed", err)
	}
	if err := m.AppendMetric(context.Background(), MetricEntry{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendMetric after Close error = %v, want ErrClosed", err)
	}
}

func TestMemoryHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().CreateNotification(ctx, Notification{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("CreateNotification(cancelled) error = %v, want context.Canceled", err)
	}
}
