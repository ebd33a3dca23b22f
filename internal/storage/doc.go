// Package storage persists the delivery pipeline's three collections:
//
//   - notifications: in-app notification records, created once per delivery
//   - notification_retry_queue: entries awaiting scheduled redelivery
//   - notification_delivery_metrics: append-only counters per pipeline event
//
// Backends: "memory" (tests, single process), "sqlite" (embedded) and
// "postgres". Both SQL backends share one query layer built with squirrel.
package storage
