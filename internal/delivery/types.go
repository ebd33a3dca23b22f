package delivery

import (
	"errors"
	"time"

	"notifyd/internal/storage"
)

var (
	ErrInvalidPayload = errors.New("invalid notification payload")
	ErrNotDelivered   = errors.New("notification not delivered")
	ErrQueueWrite     = errors.New("retry queue write failed")
)

// Metric event names.
const (
	EventImmediateDelivered = "immediate_delivered"
	EventImmediateFailed    = "immediate_failed"
	EventQueued             = "queued"
	EventQueueProcess       = "queue_process"
)

// Payload is a delivery request. RelatedID and SenderID are optional.
type Payload struct {
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	RelatedID string `json:"relatedId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// Options override the service config for a single Deliver call.
// Zero values (and a nil QueueOnFailure) fall back to Config.
type Options struct {
	MaxImmediateAttempts int    `json:"maxImmediateAttempts,omitempty"`
	QueueOnFailure       *bool  `json:"queueOnFailure,omitempty"`
	MaxQueueAttempts     int    `json:"maxQueueAttempts,omitempty"`
	Source               string `json:"source,omitempty"`
}

type DeliverResult struct {
	Delivered      bool   `json:"delivered"`
	Queued         bool   `json:"queued"`
	NotificationID string `json:"notificationId,omitempty"`
	QueueID        string `json:"queueId,omitempty"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

type ProcessOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Source string `json:"source,omitempty"`
}

// ProcessResult counts one ProcessDue batch. Conflicts are entries another
// run finished first; UpdateErrors are entries whose state write failed and
// that stay pending.
type ProcessResult struct {
	Processed    int `json:"processed"`
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLetter   int `json:"deadLetter"`
	Conflicts    int `json:"conflicts,omitempty"`
	UpdateErrors int `json:"updateErrors,omitempty"`
}

type Stats struct {
	PendingQueue       int              `json:"pendingQueue"`
	StalePending       int              `json:"stalePending"`
	DeadLetter         int              `json:"deadLetter"`
	LastHour           storage.Counters `json:"lastHour"`
	StaleWindowMinutes int              `json:"staleWindowMinutes"`
	GeneratedAt        time.Time        `json:"generatedAt"`
}

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
)

type Thresholds struct {
	DeadLetter          int `json:"deadLetter" validate:"gte=0"`
	StalePending        int `json:"stalePending" validate:"gte=0"`
	PendingQueueWarning int `json:"pendingQueueWarning" validate:"gte=0"`
}

type Health struct {
	Status     HealthStatus `json:"status"`
	Reasons    []string     `json:"reasons"`
	Stats      Stats        `json:"stats"`
	Thresholds Thresholds   `json:"thresholds"`
}

// Bool returns a pointer to v, for Options.QueueOnFailure and Config.QueueOnFailure.
func Bool(v bool) *bool { return &v }
