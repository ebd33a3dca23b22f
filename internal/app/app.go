package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notifyd/internal/cache"
	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/eventbus"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/scheduler"
	"notifyd/internal/storage"
	"notifyd/internal/transport/httpapi"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	cache cache.Cache
	reg   *prometheus.Registry

	svc    *delivery.Service
	sched  *scheduler.Service
	http   *httpapi.Server
	httpOn bool

	startedAt time.Time
	driver    string

	// retry is the registered processor schedule; guarded by mu across reloads.
	mu    sync.Mutex
	retry retrySchedule
}

type options struct {
	lookup config.LookupFunc
}

type Option func(*options)

// WithEnvLookup replaces os.LookupEnv for the NOTIFY_* overrides.
func WithEnvLookup(fn config.LookupFunc) Option { return func(o *options) { o.lookup = fn } }

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	if o.lookup != nil {
		cfgm.SetLookup(o.lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	stCfg, _ := mapStorageConfig(cfg)
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	cacheCfg, _ := mapCacheConfig(cfg)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	stats, err := cache.Open(cctx, cacheCfg, log.With(logx.String("comp", "cache")))
	cancel()
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "notifyd",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Lifecycle events discarded because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }),
	)

	dcfg, _ := mapDeliveryConfig(cfg)
	svcOpts := []delivery.Option{
		delivery.WithLogger(log.With(logx.String("comp", "delivery"))),
		delivery.WithBus(bus),
		delivery.WithCollectors(delivery.NewCollectors(reg)),
	}
	if stats != nil {
		svcOpts = append(svcOpts, delivery.WithStatsCache(stats))
	}
	svc := delivery.New(store, dcfg, svcOpts...)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		bus:    bus,
		store:  store,
		cache:  stats,
		reg:    reg,
		svc:    svc,
		driver: stCfg.Driver,
	}

	schedCfg, rs, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))
	if err := a.registerRetrySchedule(rs); err != nil {
		a.closeResources()
		return nil, err
	}

	httpCfg, httpOn, _ := mapHTTPConfig(cfg)
	a.httpOn = httpOn
	a.http = httpapi.New(httpCfg, svc,
		httpapi.WithLogger(log.With(logx.String("comp", "http"))),
		httpapi.WithGatherer(reg),
		httpapi.WithStatus(func() any { return a.Status() }),
	)

	log.Info("app initialized",
		logx.String("config", cfgPath),
		logx.String("storage", stCfg.Driver),
		logx.String("cache", cacheLabel(cacheCfg.Driver)),
		logx.Bool("http", httpOn),
	)
	return a, nil
}

func cacheLabel(driver string) string {
	if driver == "" {
		return "none"
	}
	return driver
}

// registerRetrySchedule (re)binds the periodic ProcessDue trigger.
func (a *App) registerRetrySchedule(rs retrySchedule) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retry == rs {
		return nil
	}
	_, err := a.sched.AddSchedule(retryQueueSchedule, rs.Spec, rs.Timeout, a.processDue)
	if err != nil {
		return fmt.Errorf("retry_queue.schedule: %w", err)
	}
	a.retry = rs
	return nil
}

func (a *App) processDue(ctx context.Context) error {
	_, err := a.svc.ProcessDue(ctx, delivery.ProcessOptions{})
	return err
}

// Delivery exposes the pipeline, mainly for embedding and tests.
func (a *App) Delivery() *delivery.Service { return a.svc }

// HTTP returns the API server.
func (a *App) HTTP() *httpapi.Server { return a.http }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app run context ends, including after a fatal
// supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Done()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if a.httpOn {
		a.sup.GoRestart("http.serve", a.http.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
			supervisor.WithFatalOnGiveUp(true),
		)
	} else {
		a.log.Info("http server disabled")
	}

	a.sched.Start(a.sup.Context())

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()

	a.log.Info("app started")
	return nil
}

func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes a committed config into the live services. Storage and
// cache are opened once and only reported here.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if dcfg, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.svc.Apply(dcfg)
	}

	if scfg, rs, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid retry_queue config; keeping previous", logx.Err(err))
	} else {
		if err := a.registerRetrySchedule(rs); err != nil {
			a.log.Warn("retry schedule update failed; keeping previous", logx.Err(err))
		}
		prev := a.sched.Enabled()
		a.sched.Apply(scfg)
		if prev != scfg.Enabled {
			a.log.Info("retry queue processor toggled via config", logx.Bool("enabled", scfg.Enabled))
		}
	}

	if hcfg, on, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		if on != a.httpOn {
			a.log.Warn("http.enabled changed; restart required for changes to take effect", logx.Bool("enabled", on))
		}
		a.http.Apply(hcfg)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Wait for supervised goroutines (http server, config watch/reload, event log).
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "cache", time.Second, func(context.Context) error {
		if a.cache != nil {
			return a.cache.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.startedAt)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, maxD time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", maxD))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		maxD = min(maxD, time.Until(dl))
	}
	if maxD <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, maxD)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
