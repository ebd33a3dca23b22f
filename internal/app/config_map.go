package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/cache"
	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	"notifyd/internal/transport/httpapi"
	logx "notifyd/pkg/logx"
)

const (
	retryQueueSchedule = "retry-queue"

	defaultRetrySchedule = "30s"
	defaultRetryTimeout  = 2 * time.Minute
	defaultBusyTimeout   = time.Second
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCacheConfig(cfg *config.Config) (cache.Config, error) {
	if cfg == nil {
		return cache.Config{}, nil
	}
	cc := cfg.Cache
	driver := strings.ToLower(strings.TrimSpace(cc.Driver))
	switch driver {
	case "", "none", "memory":
	case "redis":
		if strings.TrimSpace(cc.Addr) == "" {
			return cache.Config{}, fmt.Errorf("cache.addr is required when cache.driver=redis")
		}
	default:
		return cache.Config{}, fmt.Errorf("unknown cache.driver: %s", cc.Driver)
	}
	if cc.DB < 0 {
		return cache.Config{}, fmt.Errorf("cache.db must be >= 0")
	}
	return cache.Config{
		Driver:    driver,
		Addr:      strings.TrimSpace(cc.Addr),
		Password:  cc.Password,
		DB:        cc.DB,
		KeyPrefix: cc.KeyPrefix,
	}, nil
}

// mapDeliveryConfig folds the delivery, retry_queue and health sections into
// one pipeline config and validates it.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	if cfg == nil {
		return delivery.DefaultConfig(), nil
	}
	dc, rq, hc := cfg.Delivery, cfg.RetryQueue, cfg.Health

	if dc.MaxImmediateAttempts < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.max_immediate_attempts must be >= 0")
	}
	if dc.MaxQueueAttempts < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.max_queue_attempts must be >= 0")
	}
	if rq.BatchLimit < 0 {
		return delivery.Config{}, fmt.Errorf("retry_queue.batch_limit must be >= 0")
	}
	if rq.WritesPerSec < 0 {
		return delivery.Config{}, fmt.Errorf("retry_queue.writes_per_sec must be >= 0")
	}

	out := delivery.Config{
		MaxImmediateAttempts: dc.MaxImmediateAttempts,
		QueueOnFailure:       dc.QueueOnFailure,
		MaxQueueAttempts:     dc.MaxQueueAttempts,
		Source:               dc.Source,
		BatchLimit:           rq.BatchLimit,
		WritesPerSec:         rq.WritesPerSec,
	}

	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.immediate_base_delay", dc.ImmediateBaseDelay, &out.ImmediateBaseDelay},
		{"delivery.immediate_max_delay", dc.ImmediateMaxDelay, &out.ImmediateMaxDelay},
		{"delivery.store_timeout", dc.StoreTimeout, &out.StoreTimeout},
		{"retry_queue.base_delay", rq.BaseDelay, &out.QueueBaseDelay},
		{"retry_queue.max_delay", rq.MaxDelay, &out.QueueMaxDelay},
		{"health.cache_ttl", hc.CacheTTL, &out.StatsCacheTTL},
	}
	for _, d := range durs {
		v, err := parseDurationField(d.path, d.raw)
		if err != nil {
			return delivery.Config{}, err
		}
		*d.dst = v
	}

	th := delivery.DefaultThresholds()
	ints := []struct {
		path string
		src  *int
		dst  *int
	}{
		{"health.dead_letter_threshold", hc.DeadLetterThreshold, &th.DeadLetter},
		{"health.stale_pending_threshold", hc.StalePendingThreshold, &th.StalePending},
		{"health.pending_queue_warning_threshold", hc.PendingQueueWarning, &th.PendingQueueWarning},
	}
	for _, it := range ints {
		if it.src == nil {
			continue
		}
		if *it.src < 0 {
			return delivery.Config{}, fmt.Errorf("%s must be >= 0", it.path)
		}
		*it.dst = *it.src
	}
	out.Thresholds = &th

	if hc.StaleWindowMinutes != nil {
		if *hc.StaleWindowMinutes < 1 {
			return delivery.Config{}, fmt.Errorf("health.stale_window_minutes must be >= 1")
		}
		out.StaleWindow = time.Duration(*hc.StaleWindowMinutes) * time.Minute
	}

	if err := out.Validate(); err != nil {
		return delivery.Config{}, err
	}
	return out, nil
}

// retrySchedule is the processor's trigger registration.
type retrySchedule struct {
	Spec    string
	Timeout time.Duration
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, retrySchedule, error) {
	rs := retrySchedule{Spec: defaultRetrySchedule, Timeout: defaultRetryTimeout}
	if cfg == nil {
		return scheduler.Config{Enabled: true}, rs, nil
	}
	rq := cfg.RetryQueue

	if s := strings.TrimSpace(rq.Schedule); s != "" {
		rs.Spec = s
	}
	if _, err := scheduler.ParseSchedule(rs.Spec); err != nil {
		return scheduler.Config{}, retrySchedule{}, fmt.Errorf("retry_queue.schedule: %w", err)
	}
	timeout, err := parseDurationOrDefault("retry_queue.timeout", rq.Timeout, defaultRetryTimeout)
	if err != nil {
		return scheduler.Config{}, retrySchedule{}, err
	}
	rs.Timeout = timeout

	tz := strings.TrimSpace(rq.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, retrySchedule{}, fmt.Errorf("retry_queue.timezone: invalid %q: %w", tz, err)
		}
	}

	return scheduler.Config{
		Enabled:  config.BoolOr(rq.Enabled, true),
		Timezone: tz,
		Spread:   rq.Spread,
	}, rs, nil
}

// mapHTTPConfig reports whether the server is enabled alongside its config.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	if cfg == nil {
		return httpapi.Config{}, true, nil
	}
	hc := cfg.HTTP
	out := httpapi.Config{
		Addr:        strings.TrimSpace(hc.Addr),
		Token:       strings.TrimSpace(hc.Token),
		Pprof:       hc.Pprof,
		PprofPrefix: strings.TrimSpace(hc.PprofPrefix),
	}
	if out.PprofPrefix != "" && !strings.HasPrefix(out.PprofPrefix, "/") {
		return httpapi.Config{}, false, fmt.Errorf("http.pprof_prefix must start with '/'")
	}

	durs := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"http.read_timeout", hc.ReadTimeout, 15 * time.Second, &out.ReadTimeout},
		{"http.write_timeout", hc.WriteTimeout, 30 * time.Second, &out.WriteTimeout},
		{"http.idle_timeout", hc.IdleTimeout, 60 * time.Second, &out.IdleTimeout},
		{"http.shutdown_timeout", hc.ShutdownTimeout, 5 * time.Second, &out.ShutdownTimeout},
	}
	for _, d := range durs {
		v, err := parseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return httpapi.Config{}, false, err
		}
		*d.dst = v
	}
	return out, config.BoolOr(hc.Enabled, true), nil
}

// validateConfig runs every mapper so a bad reload is rejected before commit.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCacheConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
