package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/rickgao/errcatcher/internal/connection"
	"github.com/rickgao/errcatcher/internal/metrics"
	"github.com/rickgao/errcatcher/internal/queue"
)

// ClientFactory constructs a channel. connection.NewClient is the default.
type ClientFactory func(cfg connection.ClientConfig, logger *slog.Logger) connection.Client

// Transport delivers messages to the collector over an auto-reconnecting
// channel. It is safe for concurrent use.
type Transport struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Transport
	newClient ClientFactory

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ctrl     *controller
	queue    *queue.Buffer[*Message]
	writer   *wireWriter // nil unless the channel is open
	inflight *Message
	nextSeq  uint64
	notify   []func()
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics sink. Without it metrics are kept unregistered.
func WithMetrics(m *metrics.Transport) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithClientFactory replaces the channel constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(t *Transport) {
		t.newClient = f
	}
}

// New validates cfg and creates an idle Transport. Nothing is dialed until
// the first Send or Connect.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:       cfg,
		newClient: connection.NewClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "transport", "endpoint", cfg.Endpoint)
	if t.metrics == nil {
		t.metrics = metrics.NewTransport(nil)
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.queue = queue.NewBuffer[*Message](64, cfg.MaxQueue)
	t.ctrl = newController(RetryState{
		MaxAttempts: cfg.ReconnectionAttempts,
		BaseDelay:   cfg.ReconnectionTimeout,
	}, t, t.logger, t.metrics)

	return t, nil
}

func validateConfig(cfg Config) error {
	if cfg.Endpoint == "" {
		return &ConfigurationError{Field: "endpoint", Reason: "is required"}
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return &ConfigurationError{Field: "endpoint", Reason: "is not a valid URL", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("scheme must be ws or wss, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigurationError{Field: "endpoint", Reason: "host is required"}
	}
	if cfg.ReconnectionAttempts < Unlimited {
		return &ConfigurationError{Field: "reconnection_attempts", Reason: "must be -1 (unlimited) or non-negative"}
	}
	if cfg.ReconnectionTimeout < 0 {
		return &ConfigurationError{Field: "reconnection_timeout", Reason: "must be non-negative"}
	}
	if cfg.MaxQueue < 0 {
		return &ConfigurationError{Field: "max_queue", Reason: "must be non-negative"}
	}
	return nil
}

// Send submits a payload and returns without waiting on the network. The
// message goes straight to the channel's writer when the channel is open and
// nothing is ahead of it, and is queued otherwise. The returned handle
// settles when the message has been written to an open channel or abandoned.
func (t *Transport) Send(payload []byte) *PendingSend {
	t.mu.Lock()
	defer t.unlock()

	msg := &Message{
		Seq:     t.nextSeq,
		Payload: payload,
		pending: newPendingSend(t.nextSeq),
	}
	t.nextSeq++

	switch t.ctrl.phase {
	case PhaseShutdown:
		t.reject(msg, ErrClosed, "closed")
		return msg.pending
	case PhasePermanentlyClosed:
		t.reject(msg, ErrPermanentlyClosed, "permanently_closed")
		return msg.pending
	case PhaseOpen:
		msg.direct = t.writer != nil && t.queue.Len() == 0 && t.inflight == nil
	}

	t.enqueue(msg)
	switch t.ctrl.phase {
	case PhaseOpen:
		t.writer.kick()
	case PhaseIdle:
		t.ctrl.connect()
	}
	return msg.pending
}

// Connect starts connecting if no connection is active. From the permanently
// closed phase it resets the attempt budget and tries again.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.unlock()
	return t.ctrl.connect()
}

// Close stops reconnection, closes the channel and rejects queued messages
// with ErrClosed. A message already being written settles with the outcome
// of that write. The closure is not reported through OnClose. Safe to call
// more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.ctrl.phase == PhaseShutdown {
		t.mu.Unlock()
		return nil
	}
	t.ctrl.shutdown()
	n := t.rejectQueued(ErrClosed, "closed")
	t.unlock()

	t.cancel()
	t.logger.Info("transport closed", "rejected", n)
	return nil
}

// State returns the state of the current channel, or StateClosed if there
// is none.
func (t *Transport) State() connection.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctrl.state()
}

// Phase returns the controller phase.
func (t *Transport) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctrl.phase
}

// Stats returns a point-in-time view of the transport.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	qs := t.queue.Stats()
	queued := qs.Count
	if t.inflight != nil {
		queued++
	}
	return Stats{
		Phase:        t.ctrl.phase,
		State:        t.ctrl.state(),
		Queued:       queued,
		Dropped:      qs.TotalDropped,
		AttemptsMade: t.ctrl.retry.AttemptsMade,
		MaxAttempts:  t.ctrl.retry.MaxAttempts,
		NextSeq:      t.nextSeq,
	}
}

// unlock releases the lock and then runs the callbacks deferred while it
// was held: observer notifications and channel closes.
func (t *Transport) unlock() {
	notify := t.notify
	t.notify = nil
	t.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

func (t *Transport) enqueue(msg *Message) {
	dropped, evicted, _ := t.queue.Push(msg)
	if !msg.direct {
		t.metrics.Queued.Inc()
	}
	if evicted {
		t.overflow(dropped)
	}
	t.metrics.QueueDepth.Set(float64(t.queue.Len()))
}

// requeue puts a message whose write failed back at the head of the queue.
func (t *Transport) requeue(msg *Message) {
	msg.direct = false
	dropped, evicted, _ := t.queue.PushFront(msg)
	t.metrics.Queued.Inc()
	if evicted {
		t.overflow(dropped)
	}
	t.metrics.QueueDepth.Set(float64(t.queue.Len()))
}

func (t *Transport) overflow(dropped *Message) {
	dropped.pending.settle(ErrQueueOverflow)
	t.metrics.Dropped.Inc()
	t.metrics.Rejected.WithLabelValues("overflow").Inc()
	t.logger.Warn("outbound queue full, dropped oldest message",
		"seq", dropped.Seq,
		"limit", t.cfg.MaxQueue,
	)
}

func (t *Transport) reject(msg *Message, err error, reason string) {
	msg.pending.settle(err)
	t.metrics.Rejected.WithLabelValues(reason).Inc()
}

func (t *Transport) rejectQueued(err error, reason string) int {
	msgs := t.queue.DrainTo(0)
	for _, msg := range msgs {
		t.reject(msg, err, reason)
	}
	t.metrics.QueueDepth.Set(0)
	return len(msgs)
}

// wireWriter is the only goroutine writing to one open channel.
type wireWriter struct {
	client connection.Client
	wake   chan struct{}
	done   chan struct{}
}

func newWireWriter(client connection.Client) *wireWriter {
	return &wireWriter{
		client: client,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *wireWriter) kick() {
	if w == nil {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run writes one message per wake-up until the channel retires.
func (t *Transport) run(w *wireWriter) {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			t.writeNext(w)
		}
	}
}

// writeNext takes the head of the queue and writes it outside the lock.
// At most one message is in flight across all channels, so a late write on a
// retired channel cannot overtake the queue.
func (t *Transport) writeNext(w *wireWriter) {
	t.mu.Lock()
	if t.writer != w || t.inflight != nil {
		t.unlock()
		return
	}
	msg, ok := t.queue.TryReceive()
	if !ok {
		t.unlock()
		return
	}
	t.inflight = msg
	t.metrics.QueueDepth.Set(float64(t.queue.Len()))
	t.unlock()

	err := w.client.Send(msg.Payload)

	t.mu.Lock()
	defer t.unlock()
	t.inflight = nil

	if err == nil {
		msg.pending.settle(nil)
		path := metrics.PathDrain
		if msg.direct {
			path = metrics.PathDirect
		}
		t.metrics.Sent.WithLabelValues(path).Inc()
	} else {
		t.writeFailed(w, msg, err)
	}

	if t.writer != nil && t.queue.Len() > 0 {
		t.writer.kick()
	}
}

// writeFailed settles or requeues a message whose write failed, depending on
// where the controller stands now.
func (t *Transport) writeFailed(w *wireWriter, msg *Message, err error) {
	failure := &SendFailure{Seq: msg.Seq, Err: err}

	switch t.ctrl.phase {
	case PhaseShutdown:
		t.reject(msg, ErrClosed, "closed")
	case PhasePermanentlyClosed:
		t.reject(msg, fmt.Errorf("%w: %w", ErrPermanentlyClosed, failure), "permanently_closed")
	default:
		t.logger.Warn("write failed, message requeued",
			"remaining", t.queue.Len(),
			"error", failure,
		)
		t.requeue(msg)
		if t.writer == w {
			t.ctrl.recycle()
		}
	}
}

// watch forwards channel events into the controller until the channel retires.
func (t *Transport) watch(gen uint64, client connection.Client) {
	for ev := range client.Events() {
		t.mu.Lock()
		t.ctrl.handle(gen, ev)
		t.unlock()
	}
}

// controllerHooks

func (t *Transport) dial(gen uint64) connection.Client {
	cc := t.cfg.Client
	cc.URL = t.cfg.Endpoint
	client := t.newClient(cc, t.logger.With("conn_gen", gen))

	go t.watch(gen, client)
	if err := client.Open(t.ctx); err != nil {
		t.logger.Error("failed to open channel", "gen", gen, "error", err)
	}
	return client
}

func (t *Transport) schedule(d time.Duration, gen uint64) stopper {
	return time.AfterFunc(d, func() {
		t.mu.Lock()
		t.ctrl.fire(gen)
		t.unlock()
	})
}

func (t *Transport) opened(client connection.Client) {
	t.writer = newWireWriter(client)
	go t.run(t.writer)
	if t.queue.Len() > 0 {
		t.logger.Info("draining outbound queue", "queued", t.queue.Len())
	}
	t.writer.kick()
}

func (t *Transport) retired() {
	if t.writer == nil {
		return
	}
	close(t.writer.done)
	t.writer = nil
}

func (t *Transport) release(client connection.Client) {
	t.notify = append(t.notify, func() { client.Close() })
}

func (t *Transport) lost(code int, reason string) {
	if t.cfg.OnClose == nil {
		return
	}
	onClose := t.cfg.OnClose
	t.notify = append(t.notify, func() { onClose(code, reason) })
}

func (t *Transport) exhausted(cause error) {
	err := ErrPermanentlyClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrPermanentlyClosed, cause)
	}
	if n := t.rejectQueued(err, "permanently_closed"); n > 0 {
		t.logger.Error("rejected queued messages", "count", n)
	}
}
