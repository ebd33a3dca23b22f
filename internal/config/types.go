package config

// Config is the on-disk daemon config. Durations are Go duration strings
// ("150ms", "30s", "30m"); empty strings take the runtime defaults.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Delivery   DeliveryConfig   `json:"delivery"`
	RetryQueue RetryQueueConfig `json:"retry_queue"`
	Health     HealthConfig     `json:"health"`
	Cache      CacheConfig      `json:"cache"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyd.db", "busy_timeout": "5s" }
//	"storage": { "driver": "postgres", "dsn": "postgres://notifyd@localhost/notifyd" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DeliveryConfig holds the immediate-attempt defaults. QueueOnFailure is a
// pointer so an omitted key means true.
type DeliveryConfig struct {
	MaxImmediateAttempts int    `json:"max_immediate_attempts,omitempty"`
	QueueOnFailure       *bool  `json:"queue_on_failure,omitempty"`
	MaxQueueAttempts     int    `json:"max_queue_attempts,omitempty"`
	Source               string `json:"source,omitempty"`
	ImmediateBaseDelay   string `json:"immediate_base_delay,omitempty"`
	ImmediateMaxDelay    string `json:"immediate_max_delay,omitempty"`
	StoreTimeout         string `json:"store_timeout,omitempty"`
}

// RetryQueueConfig controls the periodic processor. Enabled defaults to true.
type RetryQueueConfig struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	Schedule     string  `json:"schedule,omitempty"` // cron, HH:MM or duration; default "30s"
	Timeout      string  `json:"timeout,omitempty"`
	Timezone     string  `json:"timezone,omitempty"`
	Spread       bool    `json:"spread,omitempty"`
	BatchLimit   int     `json:"batch_limit,omitempty"`
	BaseDelay    string  `json:"base_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	WritesPerSec float64 `json:"writes_per_sec,omitempty"`
}

// HealthConfig thresholds are pointers so an explicit 0 differs from
// omitted. The NOTIFY_* environment variables override them.
type HealthConfig struct {
	DeadLetterThreshold   *int   `json:"dead_letter_threshold,omitempty"`
	StalePendingThreshold *int   `json:"stale_pending_threshold,omitempty"`
	PendingQueueWarning   *int   `json:"pending_queue_warning_threshold,omitempty"`
	StaleWindowMinutes    *int   `json:"stale_window_minutes,omitempty"`
	CacheTTL              string `json:"cache_ttl,omitempty"`
}

// CacheConfig selects the stats cache: "" / "none", "memory" or "redis".
type CacheConfig struct {
	Driver    string `json:"driver,omitempty"`
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"` // do not log
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// HTTPConfig controls the API server. Enabled defaults to true.
//
// Security note: admin routes are open when Token is empty; bind to
// localhost in that case.
type HTTPConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Addr            string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token           string `json:"token,omitempty"` // do not log
	Pprof           bool   `json:"pprof,omitempty"`
	PprofPrefix     string `json:"pprof_prefix,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
