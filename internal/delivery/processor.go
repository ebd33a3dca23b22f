package delivery

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

const invalidPayloadError = "Invalid payload"

type outcome int

const (
	outcomeDelivered outcome = iota + 1
	outcomeRetried
	outcomeDeadLetter
)

// ProcessDue redelivers up to opts.Limit due pending entries, oldest-due
// first, one at a time.
//
// Per entry: an invalid payload is dead-lettered; a successful write marks
// the entry delivered; a failed write increments attempts and either
// dead-letters the entry (attempts >= maxAttempts) or reschedules it with
// QueueBackoff. The returned error is non-nil only when the due entries
// could not be read.
func (s *Service) ProcessDue(ctx context.Context, opts ProcessOptions) (ProcessResult, error) {
	cfg, lim := s.snapshot()
	limit := opts.Limit
	if limit <= 0 {
		limit = cfg.BatchLimit
	}
	source := opts.Source
	if source == "" {
		source = cfg.Source
	}
	log := s.log.With(logx.String("source", source))

	started := s.now()
	sctx, cancel := s.storeCtx(ctx, cfg)
	due, err := s.store.ListDueQueueEntries(sctx, started.UTC(), limit)
	cancel()
	if err != nil {
		log.Error("retry queue scan failed", logx.Err(err))
		return ProcessResult{}, fmt.Errorf("list due queue entries: %w", err)
	}

	var res ProcessResult
	for _, e := range due {
		if ctx.Err() != nil {
			log.Warn("retry queue batch interrupted", logx.Int("visited", res.Processed), logx.Int("due", len(due)))
			break
		}
		res.Processed++
		s.processEntry(ctx, cfg, lim, log, e, &res)
	}

	took := s.now().Sub(started)
	if res.Processed > 0 {
		s.Record(context.WithoutCancel(ctx), EventQueueProcess, source, storage.Counters{
			Processed:  res.Processed,
			Delivered:  res.Delivered,
			Retried:    res.Retried,
			DeadLetter: res.DeadLetter,
		}, map[string]any{
			"limit":        limit,
			"durationMs":   took.Milliseconds(),
			"conflicts":    res.Conflicts,
			"updateErrors": res.UpdateErrors,
		})
		log.Info("retry queue processed",
			logx.Int("processed", res.Processed),
			logx.Int("delivered", res.Delivered),
			logx.Int("retried", res.Retried),
			logx.Int("dead_letter", res.DeadLetter),
			logx.Int("conflicts", res.Conflicts),
			logx.Int("update_errors", res.UpdateErrors),
			logx.Duration("took", took),
		)
	} else {
		log.Debug("retry queue empty")
	}
	s.publishBatch(eventbus.Batch{
		Source:       source,
		Processed:    res.Processed,
		Delivered:    res.Delivered,
		Retried:      res.Retried,
		DeadLetter:   res.DeadLetter,
		Conflicts:    res.Conflicts,
		UpdateErrors: res.UpdateErrors,
	})
	return res, nil
}

func (s *Service) processEntry(ctx context.Context, cfg Config, lim *rate.Limiter, log logx.Logger, e storage.QueueEntry, res *ProcessResult) {
	log = log.With(logx.String("queue_id", e.ID), logx.String("user_id", e.UserID))
	maxAttempts := e.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			res.UpdateErrors++
			return
		}
	}

	now := s.now().UTC()
	next := e
	next.UpdatedAt = now

	var kind outcome
	p, err := Normalize(entryPayload(e))
	if err != nil {
		next.Attempts = e.Attempts + 1
		next.Status = storage.StatusDeadLetter
		next.DeadLetterAt = now
		next.LastError = invalidPayloadError
		kind = outcomeDeadLetter
	} else if id, err := s.createNotification(ctx, cfg, p); err == nil {
		next.Status = storage.StatusDelivered
		next.DeliveredAt = now
		next.NotificationID = id
		kind = outcomeDelivered
	} else {
		next.Attempts = e.Attempts + 1
		next.LastError = errString(err)
		if next.Attempts >= maxAttempts {
			next.Status = storage.StatusDeadLetter
			next.DeadLetterAt = now
			kind = outcomeDeadLetter
		} else {
			delay := cappedExp(cfg.QueueBaseDelay, cfg.QueueMaxDelay, next.Attempts)
			next.NextAttemptAt = now.Add(delay)
			// Clock stepped backwards since the entry was scheduled.
			if !next.NextAttemptAt.After(e.NextAttemptAt) {
				next.NextAttemptAt = e.NextAttemptAt.Add(delay)
			}
			kind = outcomeRetried
		}
	}

	// The attempt already happened; its outcome is recorded even if the run
	// was cancelled meanwhile.
	sctx, cancel := s.storeCtx(context.WithoutCancel(ctx), cfg)
	err = s.store.UpdateQueueEntry(sctx, next)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			res.Conflicts++
			log.Warn("queue entry already handled by another run", logx.Err(err))
			return
		}
		res.UpdateErrors++
		log.Error("queue entry update failed", logx.String("target_status", string(next.Status)), logx.Int("attempts", next.Attempts), logx.Err(err))
		return
	}

	ev := eventbus.Delivery{UserID: e.UserID, Type: e.Type, Source: e.Source, QueueID: e.ID, NotificationID: next.NotificationID, Attempts: next.Attempts, Error: next.LastError}
	switch kind {
	case outcomeDelivered:
		res.Delivered++
		s.publish(eventbus.TypeQueueDelivered, ev)
		log.Info("queued notification delivered", logx.String("notification_id", next.NotificationID), logx.Int("attempts", next.Attempts))
	case outcomeRetried:
		res.Retried++
		s.publish(eventbus.TypeQueueRetried, ev)
		log.Warn("queued notification retry scheduled",
			logx.Int("attempts", next.Attempts),
			logx.Int("max_attempts", maxAttempts),
			logx.Time("next_attempt_at", next.NextAttemptAt),
			logx.String("last_error", next.LastError),
		)
	case outcomeDeadLetter:
		res.DeadLetter++
		s.publish(eventbus.TypeQueueDeadLetter, ev)
		log.Error("queued notification dead-lettered",
			logx.Int("attempts", next.Attempts),
			logx.Int("max_attempts", maxAttempts),
			logx.String("last_error", next.LastError),
		)
	}
}

func entryPayload(e storage.QueueEntry) Payload {
	return Payload{
		UserID:    e.UserID,
		Title:     e.Title,
		Message:   e.Message,
		Type:      e.Type,
		RelatedID: e.RelatedID,
		SenderID:  e.SenderID,
	}
}

