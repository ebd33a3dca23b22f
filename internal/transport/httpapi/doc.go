// Package httpapi exposes the delivery pipeline over HTTP: a delivery
// endpoint, a manual retry-queue trigger, stats, health, liveness and
// prometheus metrics. Profiling endpoints are mounted when enabled.
package httpapi
