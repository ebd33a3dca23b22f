package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (DSN, cache password, HTTP token)
// are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.max_immediate_attempts", d.MaxImmediateAttempts),
			logx.Bool("delivery.queue_on_failure", BoolOr(d.QueueOnFailure, true)),
			logx.Int("delivery.max_queue_attempts", d.MaxQueueAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.RetryQueue, newCfg.RetryQueue) {
		q := newCfg.RetryQueue
		changed = append(changed, "retry_queue")
		attrs = append(attrs,
			logx.Bool("retry_queue.enabled", BoolOr(q.Enabled, true)),
			logx.String("retry_queue.schedule", strings.TrimSpace(q.Schedule)),
			logx.Int("retry_queue.batch_limit", q.BatchLimit),
			logx.Float64("retry_queue.writes_per_sec", q.WritesPerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		h := newCfg.Health
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Any("health.dead_letter_threshold", h.DeadLetterThreshold),
			logx.Any("health.stale_pending_threshold", h.StalePendingThreshold),
			logx.Any("health.pending_queue_warning_threshold", h.PendingQueueWarning),
			logx.Any("health.stale_window_minutes", h.StaleWindowMinutes),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.driver", strings.TrimSpace(newCfg.Cache.Driver)),
			logx.String("cache.addr", strings.TrimSpace(newCfg.Cache.Addr)),
			logx.Bool("cache.password_set", newCfg.Cache.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		h := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", BoolOr(h.Enabled, true)),
			logx.String("http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections in changed whose new values only take
// effect after a restart.
func RestartRequired(changed []string) []string {
	out := make([]string, 0, 3)
	for _, s := range changed {
		switch s {
		case "storage", "cache":
			out = append(out, s)
		}
	}
	return out
}
