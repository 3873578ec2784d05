package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/errcatcher/internal/connection"
)

// fakeClient is a connection.Client driven by the test.
type fakeClient struct {
	mu       sync.Mutex
	events   chan connection.Event
	state    connection.State
	sent     [][]byte
	sendErr  error
	failFrom int // fail sends once this many have succeeded (0 = never)
	sendHook func(data []byte)
	finished bool
	openedAt time.Time

	dialer *fakeDialer
}

func (f *fakeClient) Open(ctx context.Context) error {
	f.mu.Lock()
	f.state = connection.StateConnecting
	f.openedAt = time.Now()
	f.mu.Unlock()
	f.dialer.opened <- f
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(1000, "closed by client")
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	if f.state != connection.StateOpen {
		f.mu.Unlock()
		return connection.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	if f.failFrom > 0 && len(f.sent) >= f.failFrom {
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	hook := f.sendHook
	f.mu.Unlock()

	// The hook may block like a stalled socket write
	if hook != nil {
		hook(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) Events() <-chan connection.Event {
	return f.events
}

func (f *fakeClient) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// accept completes the handshake.
func (f *fakeClient) accept() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.state = connection.StateOpen
	f.events <- connection.Event{Kind: connection.EventOpen, At: time.Now()}
}

// refuse fails the handshake.
func (f *fakeClient) refuse() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.events <- connection.Event{Kind: connection.EventError, Err: errors.New("connection refused")}
	f.finishLocked(1006, "handshake failed")
}

// drop simulates the peer going away.
func (f *fakeClient) drop(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(code, reason)
}

func (f *fakeClient) finishLocked(code int, reason string) {
	if f.finished {
		return
	}
	f.finished = true
	f.state = connection.StateClosed
	f.events <- connection.Event{Kind: connection.EventClose, Code: code, Reason: reason}
	close(f.events)
}

func (f *fakeClient) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = string(p)
	}
	return out
}

func (f *fakeClient) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// fakeDialer hands out fakeClients and reports each Open.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	opened  chan *fakeClient
	prepare func(*fakeClient)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeClient, 100)}
}

func (d *fakeDialer) newClient(cfg connection.ClientConfig, logger *slog.Logger) connection.Client {
	fc := &fakeClient{
		events: make(chan connection.Event, 8),
		state:  connection.StateClosed,
		dialer: d,
	}
	d.mu.Lock()
	if d.prepare != nil {
		d.prepare(fc)
	}
	d.clients = append(d.clients, fc)
	d.mu.Unlock()
	return fc
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// next waits for the next opened client.
func (d *fakeDialer) next(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case fc := <-d.opened:
		return fc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection attempt")
	}
	return nil
}

// expectNone asserts no connection attempt happens within d.
func (d *fakeDialer) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-d.opened:
		t.Fatal("unexpected connection attempt")
	case <-time.After(wait):
	}
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://collector.test/ws"
	}
	tr, err := New(cfg, WithClientFactory(d.newClient))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitPhase(t *testing.T, tr *Transport, want Phase) {
	t.Helper()
	waitFor(t, "phase "+want.String(), func() bool { return tr.Phase() == want })
}

// waitLost waits until an open channel has been reported lost.
func waitLost(t *testing.T, tr *Transport) {
	t.Helper()
	waitFor(t, "channel loss", func() bool { return tr.Phase() != PhaseOpen })
}

func waitSettled(t *testing.T, p *PendingSend) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("message %d did not settle", p.Seq())
	}
	return err
}
