// Package catcher captures errors, formats them as events and hands them to
// the transport for delivery to the collector.
package catcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/errcatcher/internal/config"
	"github.com/rickgao/errcatcher/internal/connection"
	"github.com/rickgao/errcatcher/internal/identity"
	"github.com/rickgao/errcatcher/internal/model"
	"github.com/rickgao/errcatcher/internal/transport"
	"github.com/rickgao/errcatcher/internal/version"
)

const (
	maxBacktraceFrames = 64

	// DefaultPanicFlushTimeout bounds how long Recover waits for delivery
	// before re-panicking.
	DefaultPanicFlushTimeout = 2 * time.Second
)

// ErrNilError is returned for Send(nil).
var ErrNilError = errors.New("nil error")

// Catcher owns one Transport and formats captured errors into events.
type Catcher struct {
	cfg      config.CatcherConfig
	token    Token
	userID   string
	logger   *slog.Logger
	tr       *transport.Transport
	trOpts   []transport.Option
	store    identity.Store
	onClose  func(code int, reason string)
	flushFor time.Duration

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Catcher.
type Option func(*Catcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catcher) {
		c.logger = logger
	}
}

// WithIdentityStore overrides the store selected by the identity config.
func WithIdentityStore(store identity.Store) Option {
	return func(c *Catcher) {
		c.store = store
	}
}

// WithTransportOptions passes options through to the transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Catcher) {
		c.trOpts = append(c.trOpts, opts...)
	}
}

// WithOnClose registers an observer for unexpected collector disconnects.
func WithOnClose(fn func(code int, reason string)) Option {
	return func(c *Catcher) {
		c.onClose = fn
	}
}

// WithPanicFlushTimeout sets how long Recover waits for delivery.
func WithPanicFlushTimeout(d time.Duration) Option {
	return func(c *Catcher) {
		c.flushFor = d
	}
}

// New validates cfg and builds a Catcher. Nothing is dialed until the
// first event is sent.
func New(cfg config.CatcherConfig, opts ...Option) (*Catcher, error) {
	tok, err := ParseToken(cfg.Token)
	if err != nil {
		return nil, err
	}

	c := &Catcher{
		cfg:      cfg,
		token:    tok,
		flushFor: DefaultPanicFlushTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "catcher", "integration", tok.IntegrationID)

	if c.store == nil {
		if cfg.Identity.Path != "" {
			c.store = identity.NewFileStore(cfg.Identity.Path)
		} else {
			c.store = &identity.MemoryStore{}
		}
	}
	c.userID, err = identity.Resolve(c.store)
	if err != nil {
		return nil, fmt.Errorf("resolve user id: %w", err)
	}

	endpoint := cfg.CollectorURL
	if endpoint == "" {
		endpoint = tok.Endpoint()
	}

	trCfg := transport.Config{
		Endpoint:             endpoint,
		ReconnectionAttempts: cfg.Transport.Attempts(),
		ReconnectionTimeout:  cfg.Transport.ReconnectionTimeout,
		MaxQueue:             cfg.Transport.MaxQueue(),
		OnClose:              c.handleClose,
		Client: connection.ClientConfig{
			Header:           http.Header{"User-Agent": []string{version.UserAgent()}},
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			WriteTimeout:     cfg.Transport.WriteTimeout,
			PingInterval:     cfg.Transport.PingInterval,
			PingTimeout:      cfg.Transport.PingTimeout,
		},
	}
	trOpts := append([]transport.Option{transport.WithLogger(c.logger)}, c.trOpts...)
	c.tr, err = transport.New(trCfg, trOpts...)
	if err != nil {
		return nil, err
	}

	c.logger.Info("catcher ready", "endpoint", endpoint, "version", version.Version)
	return c, nil
}

// Send reports err with optional context. The returned handle settles when
// the event is delivered or abandoned.
func (c *Catcher) Send(err error, fields map[string]any) *transport.PendingSend {
	if err == nil {
		return transport.Rejected(ErrNilError)
	}
	ev := c.buildEvent(err.Error(), fmt.Sprintf("%T", err), fields, 1)
	return c.dispatch(ev)
}

// SendMessage reports a plain message with optional context.
func (c *Catcher) SendMessage(title string, fields map[string]any) *transport.PendingSend {
	ev := c.buildEvent(title, "", fields, 1)
	return c.dispatch(ev)
}

// Recover reports a panic and re-panics. Use as defer c.Recover().
func (c *Catcher) Recover() {
	r := recover()
	if r == nil {
		return
	}

	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	ev := c.buildEvent(err.Error(), fmt.Sprintf("%T", r), map[string]any{"panic": true}, 1)
	p := c.dispatch(ev)

	ctx, cancel := context.WithTimeout(context.Background(), c.flushFor)
	if werr := p.Wait(ctx); werr != nil {
		c.logger.Warn("panic event not delivered before re-panic", "error", werr)
	}
	cancel()

	panic(r)
}

// Close shuts down the transport. Undelivered events are rejected.
func (c *Catcher) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.tr.Close()
	c.wg.Wait()
	return err
}

// Stats returns the transport's current view.
func (c *Catcher) Stats() transport.Stats {
	return c.tr.Stats()
}

// UserID returns the resolved user identifier.
func (c *Catcher) UserID() string {
	return c.userID
}

func (c *Catcher) buildEvent(title, typ string, fields map[string]any, skip int) model.Event {
	return model.Event{
		ID:          uuid.New(),
		Token:       c.cfg.Token,
		CatcherType: model.CatcherType,
		Payload: model.Payload{
			Title:          title,
			Type:           typ,
			Backtrace:      backtrace(skip + 1),
			Release:        c.cfg.Release,
			User:           &model.User{ID: c.userID},
			Context:        fields,
			CatcherVersion: version.Version,
			Timestamp:      time.Now().UnixMicro(),
		},
	}
}

// dispatch serializes ev and submits it. A serialization failure rejects
// only this event.
func (c *Catcher) dispatch(ev model.Event) *transport.PendingSend {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to serialize event", "event_id", ev.ID, "error", err)
		return transport.Rejected(fmt.Errorf("serialize event: %w", err))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("event rejected, catcher closed", "event_id", ev.ID)
		return transport.Rejected(transport.ErrClosed)
	}
	p := c.tr.Send(data)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		<-p.Done()
		if err := p.Err(); err != nil {
			c.logger.Error("event rejected",
				"event_id", ev.ID,
				"seq", p.Seq(),
				"error", err,
			)
		}
	}()
	return p
}

func (c *Catcher) handleClose(code int, reason string) {
	c.logger.Warn("collector connection lost, reconnecting", "code", code, "reason", reason)
	if c.onClose != nil {
		c.onClose(code, reason)
	}
}

// backtrace captures the stack above the frame skip levels over its caller,
// innermost first. Leading runtime frames are dropped.
func backtrace(skip int) []model.BacktraceFrame {
	pcs := make([]uintptr, maxBacktraceFrames)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []model.BacktraceFrame
	for {
		f, more := frames.Next()
		if !(len(out) == 0 && strings.HasPrefix(f.Function, "runtime.")) {
			out = append(out, model.BacktraceFrame{
				File:     f.File,
				Line:     f.Line,
				Function: f.Function,
			})
		}
		if !more {
			break
		}
	}
	return out
}
