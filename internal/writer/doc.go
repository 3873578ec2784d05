// Package writer batches received events into the collector's PostgreSQL
// store.
//
// Writes are append-only: an event id that already exists is counted as a
// conflict and skipped, so a catcher retry never produces a duplicate row.
package writer
