package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	logx "notifyd/pkg/logx"
)

const (
	tableNotifications = "notifications"
	tableQueue         = "notification_retry_queue"
	tableMetrics       = "notification_delivery_metrics"
)

var queueColumns = []string{
	"id", "user_id", "title", "message", "type", "related_id", "sender_id",
	"source", "status", "attempts", "max_attempts", "next_attempt_at", "last_error",
	"created_at", "updated_at", "delivered_at", "dead_letter_at", "notification_id",
}

// dialect isolates the few differences between the SQL backends.
type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	isConflict  func(error) bool
}

type sqlStore struct {
	db  *sqlx.DB
	d   dialect
	sb  sq.StatementBuilderType
	log logx.Logger
}

func newSQLStore(db *sqlx.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{
		db:  db,
		d:   d,
		sb:  sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		log: log,
	}
}

type queueRow struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Type           string         `db:"type"`
	RelatedID      sql.NullString `db:"related_id"`
	SenderID       sql.NullString `db:"sender_id"`
	Source         string         `db:"source"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	NextAttemptAt  int64          `db:"next_attempt_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	DeliveredAt    sql.NullInt64  `db:"delivered_at"`
	DeadLetterAt   sql.NullInt64  `db:"dead_letter_at"`
	NotificationID sql.NullString `db:"notification_id"`
}

func (r queueRow) entry() QueueEntry {
	return QueueEntry{
		ID:             r.ID,
		UserID:         r.UserID,
		Title:          r.Title,
		Message:        r.Message,
		Type:           r.Type,
		RelatedID:      r.RelatedID.String,
		SenderID:       r.SenderID.String,
		Source:         r.Source,
		Status:         QueueStatus(r.Status),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		NextAttemptAt:  fromMillis(r.NextAttemptAt),
		LastError:      r.LastError.String,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
		DeliveredAt:    fromNullMillis(r.DeliveredAt),
		DeadLetterAt:   fromNullMillis(r.DeadLetterAt),
		NotificationID: r.NotificationID.String,
	}
}

type countersRow struct {
	Processed  int64 `db:"processed"`
	Delivered  int64 `db:"delivered"`
	Queued     int64 `db:"queued"`
	Retried    int64 `db:"retried"`
	DeadLetter int64 `db:"dead_letter"`
}

func (s *sqlStore) CreateNotification(ctx context.Context, n Notification) (string, error) {
	const op = "storage.sql.CreateNotification"

	if n.ID == "" {
		n.ID = NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = nowUTC()
	}
	q, args, err := s.sb.Insert(tableNotifications).
		Columns("id", "user_id", "title", "message", "type", "related_id", "sender_id", "is_read", "created_at").
		Values(n.ID, n.UserID, n.Title, n.Message, n.Type, nullStr(n.RelatedID), nullStr(n.SenderID), n.IsRead, n.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("%s: build query: %w", op, err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return "", fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return n.ID, nil
}

func (s *sqlStore) CreateQueueEntry(ctx context.Context, e QueueEntry) (string, error) {
	const op = "storage.sql.CreateQueueEntry"

	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	q, args, err := s.sb.Insert(tableQueue).
		Columns(queueColumns...).
		Values(
			e.ID, e.UserID, e.Title, e.Message, e.Type, nullStr(e.RelatedID), nullStr(e.SenderID),
			e.Source, string(e.Status), e.Attempts, e.MaxAttempts, e.NextAttemptAt.UnixMilli(), nullStr(e.LastError),
			e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(), nullMillis(e.DeliveredAt), nullMillis(e.DeadLetterAt), nullStr(e.NotificationID),
		).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("%s: build query: %w", op, err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return "", fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return e.ID, nil
}

func (s *sqlStore) GetQueueEntry(ctx context.Context, id string) (QueueEntry, error) {
	const op = "storage.sql.GetQueueEntry"

	q, args, err := s.sb.Select(queueColumns...).From(tableQueue).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("%s: build query: %w", op, err)
	}
	var row queueRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		return QueueEntry{}, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return row.entry(), nil
}

func (s *sqlStore) UpdateQueueEntry(ctx context.Context, e QueueEntry) error {
	const op = "storage.sql.UpdateQueueEntry"

	q, args, err := s.sb.Update(tableQueue).
		SetMap(map[string]any{
			"status":          string(e.Status),
			"attempts":        e.Attempts,
			"next_attempt_at": e.NextAttemptAt.UnixMilli(),
			"last_error":      nullStr(e.LastError),
			"updated_at":      e.UpdatedAt.UnixMilli(),
			"delivered_at":    nullMillis(e.DeliveredAt),
			"dead_letter_at":  nullMillis(e.DeadLetterAt),
			"notification_id": nullStr(e.NotificationID),
		}).
		Where(sq.Eq{"id": e.ID, "status": string(StatusPending)}).
		Where(sq.LtOrEq{"attempts": e.Attempts}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the id is unknown or the guard rejected it.
	q, args, err = s.sb.Select("status").From(tableQueue).Where(sq.Eq{"id": e.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	var status string
	if err := s.db.GetContext(ctx, &status, q, args...); err != nil {
		return fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return fmt.Errorf("%s: entry %s is %s: %w", op, e.ID, status, ErrConflict)
}

func (s *sqlStore) ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	const op = "storage.sql.ListDueQueueEntries"

	b := s.sb.Select(queueColumns...).
		From(tableQueue).
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now.UnixMilli()}).
		OrderBy("next_attempt_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	out := make([]QueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *sqlStore) CountQueueEntries(ctx context.Context, f QueueFilter) (int, error) {
	const op = "storage.sql.CountQueueEntries"

	b := s.sb.Select("COUNT(*)").From(tableQueue)
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if !f.NextAttemptBefore.IsZero() {
		b = b.Where(sq.Lt{"next_attempt_at": f.NextAttemptBefore.UnixMilli()})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build query: %w", op, err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return n, nil
}

func (s *sqlStore) AppendMetric(ctx context.Context, m MetricEntry) error {
	const op = "storage.sql.AppendMetric"

	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = nowUTC()
	}
	var extra any
	if len(m.Extra) > 0 {
		b, err := json.Marshal(m.Extra)
		if err != nil {
			return fmt.Errorf("%s: encode extra: %w", op, err)
		}
		extra = string(b)
	}
	c := m.Counters
	q, args, err := s.sb.Insert(tableMetrics).
		Columns("id", "event", "source", "processed", "delivered", "queued", "retried", "dead_letter", "extra", "created_at").
		Values(m.ID, m.Event, m.Source, c.Processed, c.Delivered, c.Queued, c.Retried, c.DeadLetter, extra, m.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return nil
}

func (s *sqlStore) SumMetricsSince(ctx context.Context, since time.Time) (Counters, error) {
	const op = "storage.sql.SumMetricsSince"

	q, args, err := s.sb.Select(
		"CAST(COALESCE(SUM(processed), 0) AS BIGINT) AS processed",
		"CAST(COALESCE(SUM(delivered), 0) AS BIGINT) AS delivered",
		"CAST(COALESCE(SUM(queued), 0) AS BIGINT) AS queued",
		"CAST(COALESCE(SUM(retried), 0) AS BIGINT) AS retried",
		"CAST(COALESCE(SUM(dead_letter), 0) AS BIGINT) AS dead_letter",
	).
		From(tableMetrics).
		Where(sq.GtOrEq{"created_at": since.UnixMilli()}).
		ToSql()
	if err != nil {
		return Counters{}, fmt.Errorf("%s: build query: %w", op, err)
	}
	var row countersRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		return Counters{}, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}
	return Counters{
		Processed:  int(row.Processed),
		Delivered:  int(row.Delivered),
		Queued:     int(row.Queued),
		Retried:    int(row.Retried),
		DeadLetter: int(row.DeadLetter),
	}, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, sql.ErrConnDone):
		return ErrClosed
	case s.d.isConflict != nil && s.d.isConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}
