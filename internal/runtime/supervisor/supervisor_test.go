package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failer", func(context.Context) error { return errors.New("boom") })

	err := s.Wait(waitCtx(t))
	if err == nil || err.Error() != "failer: boom" {
		t.Fatalf("Wait() = %v, want failer: boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })
	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "panic: oops") {
		t.Fatalf("Wait() = %v, want recovered panic", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.Goroutines[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	if err == nil || !strings.Contains(err.Error(), "transient") {
		t.Fatalf("Wait() = %v, want first published error", err)
	}
	st := s.Snapshot().Goroutines[0]
	if st.Started != 3 || st.Restarts != 2 {
		t.Fatalf("stats = %+v, want started=3 restarts=2", st)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnGiveUp(true))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("Wait() = nil, want give-up error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3 (first run + 2 restarts)", runs.Load())
	}
	if s.Context().Err() == nil {
		t.Fatalf("context not cancelled after fatal give-up")
	}
}

func TestStopCancelsCleanly(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}
