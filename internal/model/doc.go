// Package model defines the error event exchanged between the catcher and
// the collector.
//
// Conventions:
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: uuid.UUID for events, string for user identifiers
//   - The wire form is JSON; field names follow the collector protocol
package model
