package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CatcherType identifies this catcher in outgoing events.
const CatcherType = "errors/go"

// Errors
var (
	ErrMissingID    = errors.New("event id is required")
	ErrMissingToken = errors.New("event token is required")
	ErrMissingTitle = errors.New("event title is required")
	ErrMissingType  = errors.New("catcher type is required")
)

// Event is the envelope sent once per captured error.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Token       string    `json:"token"`
	CatcherType string    `json:"catcherType"`
	Payload     Payload   `json:"payload"`
}

// Payload describes a single captured error.
type Payload struct {
	Title          string           `json:"title"`
	Type           string           `json:"type,omitempty"`
	Backtrace      []BacktraceFrame `json:"backtrace,omitempty"`
	Release        string           `json:"release,omitempty"`
	User           *User            `json:"user,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
	CatcherVersion string           `json:"catcherVersion"`
	Timestamp      int64            `json:"timestamp"` // µs since epoch
}

// BacktraceFrame is one stack frame, innermost first.
type BacktraceFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

// User identifies the affected user.
type User struct {
	ID string `json:"id"`
}

// Validate checks the fields the collector relies on.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return ErrMissingID
	}
	if e.Token == "" {
		return ErrMissingToken
	}
	if e.CatcherType == "" {
		return ErrMissingType
	}
	if e.Payload.Title == "" {
		return ErrMissingTitle
	}
	return nil
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &e, nil
}

// EventRow is the stored form of an event.
type EventRow struct {
	ID             uuid.UUID // Primary key
	IntegrationID  string
	Title          string
	Type           string
	Release        string
	UserID         string
	CatcherType    string
	CatcherVersion string
	OccurredAt     int64  // µs since epoch, from the catcher
	ReceivedAt     int64  // µs since epoch, at the collector
	Raw            []byte // Original frame (jsonb)
}

// Received is a validated event as accepted by the collector.
type Received struct {
	Event         *Event
	IntegrationID string
	Raw           []byte
	ReceivedAt    time.Time
}
