package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// eventBufferSize bounds the events a single client can emit:
// open, at most two errors, close.
const eventBufferSize = 8

// Client represents a single WebSocket connection to the collector.
type Client interface {
	// Open starts the handshake in the background and returns immediately.
	// The outcome is reported as EventOpen or EventClose.
	Open(ctx context.Context) error

	// Close gracefully closes the connection. Safe to call more than once.
	Close() error

	// Send writes one message frame. Returns ErrNotConnected unless open.
	Send(data []byte) error

	// Events returns the lifecycle event channel. It is closed after the
	// single EventClose has been delivered.
	Events() <-chan Event

	// State returns the current channel state.
	State() State
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	opened     bool
	finished   bool
	lastPongAt time.Time

	finishOnce sync.Once
}

// NewClient creates a new WebSocket client. It does not dial until Open.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		state:  StateClosed,
	}
}

// Open begins the handshake.
func (c *client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.opened = true
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dial(ctx)
	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if !c.opened {
		// Never opened: report the closure and retire the event channel.
		c.opened = true
		c.state = StateClosed
		c.mu.Unlock()
		c.finish(websocket.CloseNormalClosure, "closed before open")
		return nil
	}
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	c.mu.Unlock()

	// Signal goroutines (and an in-flight handshake) to stop
	c.stop()

	var err error
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	}

	c.finish(websocket.CloseNormalClosure, "closed by client")
	return err
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Events returns the lifecycle event channel.
func (c *client) Events() <-chan Event {
	return c.events
}

// State returns the current channel state.
func (c *client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// dial performs the handshake and starts the read and heartbeat loops.
func (c *client) dial(ctx context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		select {
		case <-c.done:
			// Closed during the handshake; Close reports the closure.
		default:
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("dial %s: %w", c.cfg.URL, err)})
			c.finish(websocket.CloseAbnormalClosure, "handshake failed")
		}
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.lastPongAt = time.Now()
	c.emitLocked(Event{Kind: EventOpen})
	c.mu.Unlock()

	// Server pings are answered and count as liveness
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop(conn)
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
}

// readLoop drains inbound frames so control frames are processed.
// The collector does not send application data; frames are discarded.
func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			code, reason := closeDetails(err)
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(Event{Kind: EventError, Err: err})
			}
			c.finish(code, reason)
			return
		}

		c.logger.Debug("discarding inbound frame", "bytes", len(data))
	}
}

// heartbeatLoop pings the peer and closes stale connections.
func (c *client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.Lock()
			lastPong := c.lastPongAt
			c.mu.Unlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
				)
				c.emit(Event{Kind: EventError, Err: ErrStaleConnection})
				// readLoop observes the closed socket and reports the closure
				conn.Close()
				return
			}
		}
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// finish moves the client to Closed and emits the one close event.
func (c *client) finish(code int, reason string) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.emitLocked(Event{Kind: EventClose, Code: code, Reason: reason})
		c.finished = true
		close(c.events)
		c.mu.Unlock()

		c.stop()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *client) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

// emitLocked queues an event. Must be called with c.mu held.
func (c *client) emitLocked(ev Event) {
	if c.finished {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

// closeDetails extracts the close code and reason from a read error.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
