// Package collector implements the reference collector endpoint: a websocket
// server that accepts one event per frame and feeds the ingest buffer.
package collector

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/errcatcher/internal/catcher"
	"github.com/rickgao/errcatcher/internal/metrics"
	"github.com/rickgao/errcatcher/internal/model"
	"github.com/rickgao/errcatcher/internal/queue"
)

const (
	// maxFrameSize bounds a single event frame.
	maxFrameSize = 1 << 20

	// idleTimeout closes connections that send neither frames nor pings.
	idleTimeout = 90 * time.Second

	writeTimeout = 5 * time.Second
)

// Server accepts catcher connections and pushes decoded events into a buffer.
type Server struct {
	buf      *queue.Buffer[model.Received]
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a Server. A nil m keeps metrics unregistered.
func NewServer(buf *queue.Buffer[model.Received], m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	return &Server{
		buf:     buf,
		metrics: m,
		logger:  logger.With("component", "collector"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Catchers are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and reads events until the catcher leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.register(conn)
	defer s.unregister(conn)

	logger := s.logger.With("remote", r.RemoteAddr, "user_agent", r.UserAgent())
	logger.Info("catcher connected")

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("catcher connection closed", "error", err)
			} else {
				logger.Info("catcher disconnected")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.metrics.Frames.Inc()

		rec, err := decode(data)
		if err != nil {
			s.metrics.InvalidFrames.Inc()
			logger.Warn("dropping invalid frame", "bytes", len(data), "error", err)
			continue
		}

		dropped, evicted, err := s.buf.Push(rec)
		if err != nil {
			logger.Warn("ingest buffer closed, disconnecting catcher")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "collector shutting down"),
				time.Now().Add(writeTimeout))
			return
		}
		if evicted {
			s.metrics.Dropped.Inc()
			logger.Warn("ingest buffer full, dropped oldest event",
				"event_id", dropped.Event.ID,
				"integration_id", dropped.IntegrationID,
			)
		}
		s.metrics.BufferDepth.Set(float64(s.buf.Len()))
	}
}

// Count returns the number of connected catchers.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll sends a going-away close to every connected catcher.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "collector shutting down"),
			time.Now().Add(writeTimeout))
		c.Close()
	}
}

func (s *Server) register(c *websocket.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.Connections.Set(float64(n))
}

func (s *Server) unregister(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.Connections.Set(float64(n))
	c.Close()
}

// decode validates a frame and resolves its integration.
func decode(data []byte) (model.Received, error) {
	ev, err := model.Decode(data)
	if err != nil {
		return model.Received{}, err
	}
	tok, err := catcher.ParseToken(ev.Token)
	if err != nil {
		return model.Received{}, err
	}
	return model.Received{
		Event:         ev,
		IntegrationID: tok.IntegrationID,
		Raw:           data,
		ReceivedAt:    time.Now(),
	}, nil
}
