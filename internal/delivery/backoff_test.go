package delivery

import (
	"testing"
	"time"
)

func TestImmediateBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 150 * time.Millisecond},
		{1, 150 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 600 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := ImmediateBackoff(tc.attempt); got != tc.want {
			t.Fatalf("ImmediateBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestQueueBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{100, 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := QueueBackoff(tc.attempts); got != tc.want {
			t.Fatalf("QueueBackoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestQueueBackoffNonDecreasing(t *testing.T) {
	t.Parallel()

	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := QueueBackoff(n)
		if d < prev {
			t.Fatalf("QueueBackoff(%d) = %v < QueueBackoff(%d) = %v", n, d, n-1, prev)
		}
		if d > 30*time.Minute {
			t.Fatalf("QueueBackoff(%d) = %v exceeds cap", n, d)
		}
		prev = d
	}
}
