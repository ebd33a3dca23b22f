package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyd/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// Spread delays the first run of interval schedules by a random amount
	// up to min(every, 30s).
	Spread bool
}

// Job is a scheduled unit of work.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

type runState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// started is set between Start and Stop; c is nil while disabled.
	started bool
	// base is cancelled by Stop so in-flight runs see shutdown.
	base   context.Context
	cancel context.CancelFunc
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	Failed  uint64        `json:"failed"`
	LastDur time.Duration `json:"lastDuration"`
	LastErr string        `json:"lastError,omitempty"`
	Spread  time.Duration `json:"startupSpread,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
