// Package delivery guarantees that an in-app notification record is
// eventually written for a user, even when the store fails transiently.
//
// Flow:
//   - Deliver normalizes the payload and tries to persist the record a few
//     times with short capped backoff.
//   - If that fails, Enqueue writes a pending retry queue entry.
//   - ProcessDue, run on a schedule, redelivers due entries and either
//     reschedules them (capped exponential backoff) or dead-letters them.
//   - Record appends best-effort metric entries; Stats and Health aggregate
//     queue depth, staleness, dead letters and last-hour counters.
//
// Delivery is at-least-once. Concurrent ProcessDue runs in different
// processes may both redeliver the same entry; the conditional queue
// update keeps status transitions one-directional regardless.
package delivery
