// Package database provides connection pool management and schema setup for
// the collector's PostgreSQL event store.
package database
