package transport

import (
	"time"

	"github.com/rickgao/errcatcher/internal/connection"
)

// Unlimited disables the reconnection attempt cap.
const Unlimited = -1

// Defaults
const (
	DefaultReconnectionTimeout = 10 * time.Second
	DefaultMaxQueue            = 1000
)

// Phase is the state of the reconnection controller.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnecting
	PhasePermanentlyClosed
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnecting:
		return "reconnecting"
	case PhasePermanentlyClosed:
		return "permanently_closed"
	case PhaseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message is an outbound payload with its sequence number.
type Message struct {
	Seq     uint64
	Payload []byte

	pending *PendingSend
	direct  bool // written without waiting behind the queue
}

// RetryState tracks reconnection attempts since the channel was last open.
type RetryState struct {
	AttemptsMade int
	MaxAttempts  int // Unlimited for no cap
	BaseDelay    time.Duration
}

// Exhausted reports whether no further attempt is allowed.
func (r RetryState) Exhausted() bool {
	return r.MaxAttempts != Unlimited && r.AttemptsMade >= r.MaxAttempts
}

// Config configures a Transport.
type Config struct {
	// Endpoint is the collector URL (ws:// or wss://), fixed for the
	// lifetime of the transport.
	Endpoint string

	// ReconnectionAttempts caps consecutive reconnection attempts.
	// Unlimited (-1) retries forever; 0 never reconnects.
	ReconnectionAttempts int

	// ReconnectionTimeout is the constant delay before each attempt.
	ReconnectionTimeout time.Duration

	// MaxQueue bounds the outbound queue; the oldest message is dropped
	// on overflow. 0 means unbounded.
	MaxQueue int

	// OnClose is invoked once per unexpected disconnect of an open channel.
	OnClose func(code int, reason string)

	// Client holds the channel settings. URL is taken from Endpoint.
	Client connection.ClientConfig
}

// DefaultConfig returns sensible defaults for the given endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:             endpoint,
		ReconnectionAttempts: Unlimited,
		ReconnectionTimeout:  DefaultReconnectionTimeout,
		MaxQueue:             DefaultMaxQueue,
		Client:               connection.DefaultClientConfig(),
	}
}

// Stats is a point-in-time view of a Transport.
type Stats struct {
	Phase        Phase
	State        connection.State
	Queued       int
	Dropped      int64
	AttemptsMade int
	MaxAttempts  int
	NextSeq      uint64
}
