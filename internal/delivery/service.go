package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/cache"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Service runs the delivery pipeline against a Store. It keeps no
// per-notification state in memory; everything is read fresh from the store
// on each call. It is safe for concurrent use.
type Service struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	prom  *Collectors
	cache cache.Cache

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithCollectors mirrors metric entries into prometheus counters.
func WithCollectors(c *Collectors) Option { return func(s *Service) { s.prom = c } }

// WithStatsCache caches Stats results for Config.StatsCacheTTL.
func WithStatsCache(c cache.Cache) Option { return func(s *Service) { s.cache = c } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleeper replaces the pause between immediate attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

func New(store storage.Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config at runtime. In-flight calls keep the snapshot they
// started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = nil
	if cfg.WritesPerSec > 0 {
		burst := int(cfg.WritesPerSec)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSec), burst)
	}
}

// Config returns the active config with defaults applied.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.limiter
}

// storeCtx bounds one store call.
func (s *Service) storeCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.StoreTimeout)
}

func (s *Service) createNotification(ctx context.Context, cfg Config, p Payload) (string, error) {
	sctx, cancel := s.storeCtx(ctx, cfg)
	defer cancel()
	return s.store.CreateNotification(sctx, storage.Notification{
		UserID:    p.UserID,
		Title:     p.Title,
		Message:   p.Message,
		Type:      p.Type,
		RelatedID: p.RelatedID,
		SenderID:  p.SenderID,
		IsRead:    false,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) publish(typ string, d eventbus.Delivery) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: d})
}

func (s *Service) publishBatch(b eventbus.Batch) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueProcessed, Time: s.now(), Data: b})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return truncateRunes(err.Error(), maxLastErrorLen)
}

func payloadFields(p Payload) []logx.Field {
	return []logx.Field{
		logx.String("user_id", p.UserID),
		logx.String("type", p.Type),
		logx.String("title", p.Title),
		logx.String("body", p.Message),
		logx.String("related_id", p.RelatedID),
		logx.String("sender_id", p.SenderID),
	}
}
