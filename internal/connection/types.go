package connection

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyOpened   = errors.New("client already opened")
)

// State is the lifecycle state of a single channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies a lifecycle event emitted by a Client.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from a Client to its owner.
type Event struct {
	Kind   EventKind
	Code   int    // Close code (EventClose only)
	Reason string // Close reason (EventClose only)
	Err    error  // EventError only
	At     time.Time
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Collector endpoint (ws:// or wss://)
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Max time for the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // 0 disables keepalive pings
	PingTimeout      time.Duration // Max time without pong before the channel is considered stale
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
	}
}
