// Package padbreaker is a small HTTP message broker that sits between
// microservices. It keeps a registry of service instances guarded by a
// round-robin circuit breaker, forwards direct messages with bounded retries,
// fans topic publications out to every subscriber, and coordinates two-phase
// commit rounds across services. Every failed delivery ends up as exactly one
// dead letter in a durable append-only log.
//
// Service wires all components from a single Config: NewService validates it,
// opens the selected durable log and live stream transport, and Start serves
// the echo HTTP adapter until the context is cancelled. Run does both.
//
// # Durable log
//
// Four append-only backends register themselves with the store package:
//   - memory: process-local, for tests and demos
//   - file: JSON Lines file, one record per line
//   - sqlite: embedded database via mattn/go-sqlite3
//   - postgres: PostgreSQL via lib/pq
//
// # Live streams
//
// Published envelopes are also pushed through a Watermill pub/sub so clients
// of GET /stream/{topic} see them as they arrive. Supported transports are
// channel, nats, kafka, rabbitmq and http.
//
// # Hooks and metrics
//
// Hooks exposes OnAttemptStart, OnAttemptDone, OnAttemptError and
// OnDeadLetter callbacks around every outbound delivery attempt. With
// MetricsEnabled the same events feed Prometheus collectors served on
// /metrics.
package padbreaker
