package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides for the health section.
const (
	EnvDeadLetterThreshold   = "NOTIFY_DEAD_LETTER_THRESHOLD"
	EnvStalePendingThreshold = "NOTIFY_STALE_PENDING_THRESHOLD"
	EnvPendingQueueWarning   = "NOTIFY_PENDING_QUEUE_WARNING_THRESHOLD"
	EnvStaleWindowMinutes    = "NOTIFY_STALE_WINDOW_MINUTES"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the NOTIFY_* variables onto cfg. Unset or empty
// variables are ignored. Invalid values leave the file value in place and
// are reported together in the returned error.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	set := func(key string, dst **int, minV int) {
		raw, ok := lookup(key)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < minV {
			errs = append(errs, fmt.Errorf("%s: invalid value %q (want integer >= %d)", key, raw, minV))
			return
		}
		*dst = &n
	}
	set(EnvDeadLetterThreshold, &cfg.Health.DeadLetterThreshold, 0)
	set(EnvStalePendingThreshold, &cfg.Health.StalePendingThreshold, 0)
	set(EnvPendingQueueWarning, &cfg.Health.PendingQueueWarning, 0)
	set(EnvStaleWindowMinutes, &cfg.Health.StaleWindowMinutes, 1)
	return errors.Join(errs...)
}
