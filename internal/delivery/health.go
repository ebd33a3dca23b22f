package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"notifyd/internal/cache"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

const statsCacheKey = "delivery:stats"

// Stats aggregates queue depth, staleness, dead letters and last-hour
// counters. It only reads.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	cfg, _ := s.snapshot()

	if s.cache != nil && cfg.StatsCacheTTL > 0 {
		if st, ok := s.cachedStats(ctx); ok {
			return st, nil
		}
	}

	now := s.now().UTC()
	st := Stats{
		StaleWindowMinutes: int(cfg.StaleWindow / time.Minute),
		GeneratedAt:        now,
	}

	sctx, cancel := s.storeCtx(ctx, cfg)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		n, err := s.store.CountQueueEntries(gctx, storage.QueueFilter{Status: storage.StatusPending})
		st.PendingQueue = n
		return wrapStat("pending", err)
	})
	g.Go(func() error {
		n, err := s.store.CountQueueEntries(gctx, storage.QueueFilter{
			Status:            storage.StatusPending,
			NextAttemptBefore: now.Add(-cfg.StaleWindow),
		})
		st.StalePending = n
		return wrapStat("stale pending", err)
	})
	g.Go(func() error {
		n, err := s.store.CountQueueEntries(gctx, storage.QueueFilter{Status: storage.StatusDeadLetter})
		st.DeadLetter = n
		return wrapStat("dead letter", err)
	})
	g.Go(func() error {
		c, err := s.store.SumMetricsSince(gctx, now.Add(-time.Hour))
		st.LastHour = c
		return wrapStat("last hour metrics", err)
	})
	if err := g.Wait(); err != nil {
		return Stats{}, fmt.Errorf("delivery stats: %w", err)
	}

	if s.cache != nil && cfg.StatsCacheTTL > 0 {
		s.storeStats(ctx, st, cfg.StatsCacheTTL)
	}
	return st, nil
}

// Health evaluates Stats against the configured thresholds.
func (s *Service) Health(ctx context.Context) (Health, error) {
	cfg, _ := s.snapshot()
	st, err := s.Stats(ctx)
	if err != nil {
		return Health{}, err
	}
	return Evaluate(st, *cfg.Thresholds), nil
}

// Evaluate returns degraded with one reason per exceeded threshold, in the
// order dead-letter, stale-pending, pending-queue. A value equal to its
// threshold does not exceed it.
func Evaluate(st Stats, th Thresholds) Health {
	reasons := make([]string, 0, 3)
	if st.DeadLetter > th.DeadLetter {
		reasons = append(reasons, fmt.Sprintf("dead-letter=%d > %d", st.DeadLetter, th.DeadLetter))
	}
	if st.StalePending > th.StalePending {
		reasons = append(reasons, fmt.Sprintf("stale-pending=%d > %d", st.StalePending, th.StalePending))
	}
	if st.PendingQueue > th.PendingQueueWarning {
		reasons = append(reasons, fmt.Sprintf("pending-queue=%d > %d", st.PendingQueue, th.PendingQueueWarning))
	}

	status := StatusHealthy
	if len(reasons) > 0 {
		status = StatusDegraded
	}
	return Health{Status: status, Reasons: reasons, Stats: st, Thresholds: th}
}

func wrapStat(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Service) cachedStats(ctx context.Context) (Stats, bool) {
	b, err := s.cache.Get(ctx, statsCacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Debug("stats cache read failed", logx.Err(err))
		}
		return Stats{}, false
	}
	var st Stats
	if err := json.Unmarshal(b, &st); err != nil {
		s.log.Debug("stats cache entry unreadable", logx.Err(err))
		return Stats{}, false
	}
	return st, true
}

func (s *Service) storeStats(ctx context.Context, st Stats, ttl time.Duration) {
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, statsCacheKey, b, ttl); err != nil {
		s.log.Debug("stats cache write failed", logx.Err(err))
	}
}
