package delivery

import (
	"context"
	"fmt"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Enqueue writes a pending retry queue entry that is due immediately.
// maxAttempts below 1 is raised to 1.
//
// A failed write is not retried; the notification is lost, so it is logged
// at error level with the full payload.
func (s *Service) Enqueue(ctx context.Context, in Payload, source, lastError string, maxAttempts int) (string, error) {
	cfg, _ := s.snapshot()
	p, err := Normalize(in)
	if err != nil {
		return "", err
	}
	if source == "" {
		source = cfg.Source
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	lastError = truncateRunes(lastError, maxLastErrorLen)

	now := s.now().UTC()
	e := storage.QueueEntry{
		UserID:        p.UserID,
		Title:         p.Title,
		Message:       p.Message,
		Type:          p.Type,
		RelatedID:     p.RelatedID,
		SenderID:      p.SenderID,
		Source:        source,
		Status:        storage.StatusPending,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		LastError:     lastError,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	sctx, cancel := s.storeCtx(ctx, cfg)
	id, err := s.store.CreateQueueEntry(sctx, e)
	cancel()
	if err != nil {
		s.log.Error("notification dropped: retry queue write failed",
			append(payloadFields(p),
				logx.String("source", source),
				logx.String("last_error", lastError),
				logx.Int("max_attempts", maxAttempts),
				logx.Err(err),
			)...,
		)
		s.prom.incDropped()
		s.publish(eventbus.TypeDropped, eventbus.Delivery{UserID: p.UserID, Type: p.Type, Source: source, Error: err.Error()})
		return "", fmt.Errorf("%w: %w", ErrQueueWrite, err)
	}

	s.Record(ctx, EventQueued, source, storage.Counters{Queued: 1}, map[string]any{
		"queueId": id,
		"error":   lastError,
	})
	s.publish(eventbus.TypeQueued, eventbus.Delivery{UserID: p.UserID, Type: p.Type, Source: source, QueueID: id, Error: lastError})
	s.log.Info("notification queued for retry",
		logx.String("queue_id", id),
		logx.String("user_id", p.UserID),
		logx.String("source", source),
		logx.String("last_error", lastError),
	)
	return id, nil
}
