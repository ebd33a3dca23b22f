package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyd/pkg/logx"
)

var (
	ErrOverlapSkip     = errors.New("scheduler: previous run still in flight")
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule")
)

// Option customizes New.
type Option func(*Service)

// WithClock overrides the clock used for run bookkeeping and spread.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		log: log,
		now: time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// AddSchedule parses schedule and registers job under name, replacing any
// schedule with the same name. Registration before Start is kept and
// activated when Start runs.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	spec := ps.Spec()
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		state:   &runState{},
	})
	if s.c == nil {
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", spec),
		logx.Duration("timeout", timeout),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return name, nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start begins triggering. It is a no-op while the scheduler is disabled;
// a later Apply enabling it starts triggering.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// stopCronLocked detaches the cron instance and returns a channel closed
// once its running jobs return.
func (s *Service) stopCronLocked() <-chan struct{} {
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	if c == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.Stop().Done()
}

// Stop halts triggering, cancels in-flight runs and waits for them until
// ctx is done. Registered schedules survive a Stop/Start cycle.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	done := s.stopCronLocked()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. A timezone or spread change restarts triggering;
// toggling Enabled starts or stops it when the service was started.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if !s.started {
		return
	}
	switch {
	case !cfg.Enabled && s.c != nil:
		s.stopCronLocked()
		s.log.Info("scheduler disabled")
	case cfg.Enabled && s.c == nil:
		s.startCronLocked()
	case s.c != nil && (strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.Spread != cfg.Spread):
		// Runs still in flight keep their overlap guard across the restart.
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// RunNow runs the named schedule on the caller's goroutine, honoring the
// overlap guard and timeout.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		def   scheduleDef
		found bool
	)
	for _, d := range s.defs {
		if d.name == name {
			def, found = d, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.run(ctx, def)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	base := s.base
	if base == nil {
		base = context.Background()
	}
	job := cron.FuncJob(func() { _ = s.run(base, def) })

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := intervalSchedule(dur, s.now().In(s.loc), d.name, s.cfg.Spread)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) run(ctx context.Context, d scheduleDef) (err error) {
	st := d.state
	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name))
		return ErrOverlapSkip
	}
	defer st.running.Store(false)

	rctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("schedule job panicked",
				logx.String("schedule", d.name),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 24)),
			)
		}
		dur := s.now().Sub(start)
		st.runs.Add(1)
		st.mu.Lock()
		st.lastRun, st.lastDur = start, dur
		st.lastErr = ""
		if err != nil {
			st.lastErr = err.Error()
		}
		st.mu.Unlock()
		if err != nil {
			st.failed.Add(1)
			s.log.Warn("schedule job failed", logx.String("schedule", d.name), logx.Duration("took", dur), logx.Err(err))
		}
	}()
	return d.job(rctx)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
