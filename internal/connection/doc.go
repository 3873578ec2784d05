// Package connection implements the single physical channel to the collector.
//
// A Client:
//   - Owns exactly one WebSocket to a fixed endpoint
//   - Opens asynchronously; the outcome is only reported through Events()
//   - Emits typed events (open, error, close) to a single observer
//   - Emits exactly one close event, then closes the event channel
//   - Keeps the socket alive with pings and reports stale peers
//
// Clients are never reused: once closed, the owner constructs a new one.
package connection
