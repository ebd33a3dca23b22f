package delivery

import (
	"context"
	"maps"

	"github.com/prometheus/client_golang/prometheus"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Record appends a metric entry. It never fails the caller: a write error
// is logged at warn level and dropped.
func (s *Service) Record(ctx context.Context, event, source string, c storage.Counters, extra map[string]any) {
	cfg, _ := s.snapshot()
	if source == "" {
		source = cfg.Source
	}
	s.prom.observe(event, c)

	m := storage.MetricEntry{
		Event:     event,
		Source:    source,
		Counters:  c,
		Extra:     maps.Clone(extra),
		CreatedAt: s.now().UTC(),
	}
	sctx, cancel := s.storeCtx(ctx, cfg)
	defer cancel()
	if err := s.store.AppendMetric(sctx, m); err != nil {
		s.prom.incMetricWriteFailure()
		s.log.Warn("delivery metric write failed",
			logx.String("event", event),
			logx.String("source", source),
			logx.Any("counters", c),
			logx.Err(err),
		)
	}
}

// Collectors mirrors pipeline metric entries as prometheus counters.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	events              *prometheus.CounterVec
	counters            *prometheus.CounterVec
	immediateAttempts   prometheus.Histogram
	dropped             prometheus.Counter
	metricWriteFailures prometheus.Counter
}

// NewCollectors builds the collectors and registers them on reg when reg is
// non-nil.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Subsystem: "delivery",
			Name:      "events_total",
			Help:      "Pipeline metric events by name.",
		}, []string{"event"}),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Subsystem: "delivery",
			Name:      "notifications_total",
			Help:      "Notification outcomes summed from pipeline metric events.",
		}, []string{"outcome"}),
		immediateAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notifyd",
			Subsystem: "delivery",
			Name:      "immediate_attempts",
			Help:      "Immediate attempts used per Deliver call.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd",
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Notifications lost because the retry queue write failed.",
		}),
		metricWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notifyd",
			Subsystem: "delivery",
			Name:      "metric_write_failures_total",
			Help:      "Metric entries that could not be persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.events, c.counters, c.immediateAttempts, c.dropped, c.metricWriteFailures)
	}
	return c
}

func (c *Collectors) observe(event string, v storage.Counters) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(event).Inc()
	add := func(outcome string, n int) {
		if n > 0 {
			c.counters.WithLabelValues(outcome).Add(float64(n))
		}
	}
	add("processed", v.Processed)
	add("delivered", v.Delivered)
	add("queued", v.Queued)
	add("retried", v.Retried)
	add("dead_letter", v.DeadLetter)
}

func (c *Collectors) observeAttempts(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.immediateAttempts.Observe(float64(n))
}

func (c *Collectors) incDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

func (c *Collectors) incMetricWriteFailure() {
	if c == nil {
		return
	}
	c.metricWriteFailures.Inc()
}
