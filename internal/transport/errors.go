package transport

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrPermanentlyClosed = errors.New("transport permanently closed")
	ErrClosed            = errors.New("transport closed")
	ErrQueueOverflow     = errors.New("outbound queue overflow")
)

// ConfigurationError reports an invalid setting.
// It is returned at construction; nothing is started.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConnectionError is a transient channel failure. It triggers reconnection
// and is only surfaced as the cause of ErrPermanentlyClosed.
type ConnectionError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection closed: code %d: %s", e.Code, e.Reason)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendFailure is a message-level write failure. The message is re-queued.
type SendFailure struct {
	Seq uint64
	Err error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send message %d: %v", e.Seq, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}
