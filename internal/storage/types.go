package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrConflict      = errors.New("storage: conflict")
	ErrClosed        = errors.New("storage: closed")
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file, Path required (":memory:" allowed)
//   - "postgres": DSN required, schema managed by embedded migrations
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

// Store is the persistence API used by the delivery pipeline.
//
// UpdateQueueEntry only applies to entries that are still pending and whose
// stored attempts do not exceed e.Attempts; otherwise it returns ErrConflict
// (or ErrNotFound when the id is unknown).
type Store interface {
	CreateNotification(ctx context.Context, n Notification) (string, error)

	CreateQueueEntry(ctx context.Context, e QueueEntry) (string, error)
	GetQueueEntry(ctx context.Context, id string) (QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e QueueEntry) error
	ListDueQueueEntries(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error)
	CountQueueEntries(ctx context.Context, f QueueFilter) (int, error)

	AppendMetric(ctx context.Context, m MetricEntry) error
	SumMetricsSince(ctx context.Context, since time.Time) (Counters, error)

	Close() error
}

type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusDelivered  QueueStatus = "delivered"
	StatusDeadLetter QueueStatus = "dead_letter"
)

func (s QueueStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLetter
}

// Notification is an in-app notification record. It is immutable once
// created as far as this service is concerned.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	RelatedID string    `json:"relatedId,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// QueueEntry is a notification that failed immediate delivery plus its
// backoff state. DeliveredAt and DeadLetterAt are zero until the entry
// reaches the matching terminal status.
type QueueEntry struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	RelatedID string `json:"relatedId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`

	Source         string      `json:"source"`
	Status         QueueStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"maxAttempts"`
	NextAttemptAt  time.Time   `json:"nextAttemptAt"`
	LastError      string      `json:"lastError,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	DeliveredAt    time.Time   `json:"deliveredAt,omitzero"`
	DeadLetterAt   time.Time   `json:"deadLetterAt,omitzero"`
	NotificationID string      `json:"notificationId,omitempty"`
}

// QueueFilter selects entries for CountQueueEntries. A zero
// NextAttemptBefore matches every entry with Status.
type QueueFilter struct {
	Status            QueueStatus
	NextAttemptBefore time.Time
}

type Counters struct {
	Processed  int `json:"processed"`
	Delivered  int `json:"delivered"`
	Queued     int `json:"queued"`
	Retried    int `json:"retried"`
	DeadLetter int `json:"deadLetter"`
}

func (c *Counters) Add(o Counters) {
	c.Processed += o.Processed
	c.Delivered += o.Delivered
	c.Queued += o.Queued
	c.Retried += o.Retried
	c.DeadLetter += o.DeadLetter
}

// MetricEntry is one append-only pipeline counter record.
type MetricEntry struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Source    string         `json:"source"`
	Counters  Counters       `json:"counters"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
