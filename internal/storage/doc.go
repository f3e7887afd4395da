// Package storage persists the durable job queue and the per-event delivery log.
//
// Drivers:
//   - "memory": process-local, for tests and one-shot CLI use
//   - "file": JSON Lines journal plus a compacted snapshot
//   - "sqlite": SQLite database file (WAL)
package storage
