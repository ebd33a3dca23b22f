package delivery

import (
	"context"
	"errors"
	"fmt"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type resolved struct {
	maxImmediate   int
	queueOnFailure bool
	maxQueue       int
	source         string
}

func (o Options) resolve(cfg Config) resolved {
	r := resolved{
		maxImmediate:   cfg.MaxImmediateAttempts,
		queueOnFailure: cfg.QueueOnFailure == nil || *cfg.QueueOnFailure,
		maxQueue:       cfg.MaxQueueAttempts,
		source:         cfg.Source,
	}
	if o.MaxImmediateAttempts > 0 {
		r.maxImmediate = min(o.MaxImmediateAttempts, MaxImmediateAttemptsLimit)
	}
	if o.QueueOnFailure != nil {
		r.queueOnFailure = *o.QueueOnFailure
	}
	if o.MaxQueueAttempts > 0 {
		r.maxQueue = min(o.MaxQueueAttempts, MaxQueueAttemptsLimit)
	}
	if src := truncateRunes(o.Source, 64); src != "" {
		r.source = src
	}
	return r
}

// Deliver persists a notification record, retrying a few times in-process,
// and falls back to the retry queue when configured to.
//
// The error is nil when the notification was delivered or queued. It wraps
// ErrInvalidPayload for rejected input and ErrNotDelivered when the
// notification was neither delivered nor queued.
func (s *Service) Deliver(ctx context.Context, in Payload, opts Options) (DeliverResult, error) {
	cfg, _ := s.snapshot()
	o := opts.resolve(cfg)
	log := s.log.With(logx.String("source", o.source))

	p, err := Normalize(in)
	if err != nil {
		log.Warn("notification rejected", logx.String("user_id", in.UserID), logx.String("type", in.Type), logx.Err(err))
		s.Record(ctx, EventImmediateFailed, o.source, storage.Counters{}, map[string]any{
			"reason": "invalid_payload",
			"error":  err.Error(),
		})
		s.publish(eventbus.TypeFailed, eventbus.Delivery{UserID: in.UserID, Source: o.source, Error: err.Error()})
		return DeliverResult{Error: err.Error()}, err
	}

	var lastErr error
	attempts := 0
	for attempts < o.maxImmediate {
		if attempts > 0 {
			if err := s.sleep(ctx, cappedExp(cfg.ImmediateBaseDelay, cfg.ImmediateMaxDelay, attempts)); err != nil {
				lastErr = fmt.Errorf("immediate retry interrupted: %w", err)
				break
			}
		}
		attempts++

		id, err := s.createNotification(ctx, cfg, p)
		if err == nil {
			if attempts > 1 {
				log.Info("notification delivered after retry", logx.String("user_id", p.UserID), logx.Int("attempts", attempts))
			}
			s.Record(ctx, EventImmediateDelivered, o.source, storage.Counters{Delivered: 1}, map[string]any{
				"notificationId": id,
				"attempts":       attempts,
			})
			s.prom.observeAttempts(attempts)
			s.publish(eventbus.TypeDelivered, eventbus.Delivery{UserID: p.UserID, Type: p.Type, Source: o.source, NotificationID: id, Attempts: attempts})
			return DeliverResult{Delivered: true, NotificationID: id, Attempts: attempts}, nil
		}
		lastErr = err
		log.Warn("immediate delivery attempt failed",
			logx.String("user_id", p.UserID),
			logx.Int("attempt", attempts),
			logx.Int("max", o.maxImmediate),
			logx.Err(err),
		)
	}
	s.prom.observeAttempts(attempts)

	if !o.queueOnFailure {
		s.Record(ctx, EventImmediateFailed, o.source, storage.Counters{}, map[string]any{
			"attempts": attempts,
			"queued":   false,
			"error":    errString(lastErr),
		})
		s.publish(eventbus.TypeFailed, eventbus.Delivery{UserID: p.UserID, Type: p.Type, Source: o.source, Attempts: attempts, Error: errString(lastErr)})
		log.Error("notification not delivered", append(payloadFields(p), logx.Int("attempts", attempts), logx.Err(lastErr))...)
		return DeliverResult{Attempts: attempts, Error: errString(lastErr)},
			fmt.Errorf("%w after %d attempts: %w", ErrNotDelivered, attempts, lastErr)
	}

	// The caller may have given up; the queue write still gets its own store timeout.
	qid, qerr := s.Enqueue(context.WithoutCancel(ctx), p, o.source, errString(lastErr), o.maxQueue)
	if qerr != nil {
		s.Record(context.WithoutCancel(ctx), EventImmediateFailed, o.source, storage.Counters{}, map[string]any{
			"attempts": attempts,
			"queued":   false,
			"reason":   "queue_write_failed",
			"error":    errString(lastErr),
		})
		msg := errString(errors.Join(lastErr, qerr))
		return DeliverResult{Attempts: attempts, Error: msg},
			fmt.Errorf("%w after %d attempts: %w", ErrNotDelivered, attempts, qerr)
	}
	return DeliverResult{Queued: true, QueueID: qid, Attempts: attempts, Error: errString(lastErr)}, nil
}
