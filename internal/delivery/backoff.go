package delivery

import "time"

// ImmediateBackoff is the pause after the attempt-th failed immediate
// attempt: min(150ms * 2^(attempt-1), 1s).
func ImmediateBackoff(attempt int) time.Duration {
	return cappedExp(DefaultImmediateBaseDelay, DefaultImmediateMaxDelay, attempt)
}

// QueueBackoff is the delay before the next queued attempt once an entry
// has failed attempts times: min(30s * 2^(attempts-1), 30m).
func QueueBackoff(attempts int) time.Duration {
	return cappedExp(DefaultQueueBaseDelay, DefaultQueueMaxDelay, attempts)
}

// cappedExp returns base * 2^(n-1) capped at maxD; n < 1 is treated as 1.
// There is no jitter, so the schedule is non-decreasing in n.
func cappedExp(base, maxD time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if maxD > 0 && base >= maxD {
		return maxD
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if maxD > 0 && d >= maxD {
			return maxD
		}
	}
	return d
}
