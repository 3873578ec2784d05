package transport

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rickgao/errcatcher/internal/connection"
	"github.com/rickgao/errcatcher/internal/metrics"
)

func testTransportConfig() Config {
	return Config{
		ReconnectionAttempts: Unlimited,
		ReconnectionTimeout:  10 * time.Millisecond,
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"empty endpoint", Config{}, "endpoint"},
		{"http scheme", Config{Endpoint: "http://collector.test/ws"}, "endpoint"},
		{"missing host", Config{Endpoint: "ws:///ws"}, "endpoint"},
		{"attempts below unlimited", Config{Endpoint: "ws://c.test", ReconnectionAttempts: -2}, "reconnection_attempts"},
		{"negative timeout", Config{Endpoint: "ws://c.test", ReconnectionTimeout: -time.Second}, "reconnection_timeout"},
		{"negative queue", Config{Endpoint: "ws://c.test", MaxQueue: -1}, "max_queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("New = %v, want *ConfigurationError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestNew_DoesNotDial(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	d.expectNone(t, 30*time.Millisecond)
	if tr.Phase() != PhaseIdle {
		t.Errorf("Phase() = %v, want idle", tr.Phase())
	}
	if tr.State() != connection.StateClosed {
		t.Errorf("State() = %v, want closed", tr.State())
	}
}

func TestTransport_SendWhileIdleConnectsAndDrains(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	p := tr.Send([]byte("A"))
	if got := tr.Stats().Queued; got != 1 {
		t.Fatalf("Queued = %d, want 1", got)
	}

	fc := d.next(t)
	if tr.State() != connection.StateConnecting {
		t.Errorf("State() = %v, want connecting", tr.State())
	}
	fc.accept()

	if err := waitSettled(t, p); err != nil {
		t.Fatalf("message rejected: %v", err)
	}
	if got := fc.payloads(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("wire = %q, want [A]", got)
	}
	if tr.State() != connection.StateOpen {
		t.Errorf("State() = %v, want open", tr.State())
	}
	if tr.Stats().Queued != 0 {
		t.Errorf("Queued = %d, want 0", tr.Stats().Queued)
	}
}

func TestTransport_DirectSendWhenOpen(t *testing.T) {
	m := metrics.NewTransport(nil)
	d := newFakeDialer()
	cfg := testTransportConfig()
	cfg.Endpoint = "ws://collector.test/ws"
	tr, err := New(cfg, WithClientFactory(d.newClient), WithMetrics(m))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.Close()

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	p := tr.Send([]byte("direct"))
	if err := waitSettled(t, p); err != nil {
		t.Fatalf("direct send rejected: %v", err)
	}
	if got := fc.payloads(); !reflect.DeepEqual(got, []string{"direct"}) {
		t.Errorf("wire = %q, want [direct]", got)
	}
	if got := testutil.ToFloat64(m.Sent.WithLabelValues(metrics.PathDirect)); got != 1 {
		t.Errorf("direct sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Queued); got != 0 {
		t.Errorf("queued = %v, want 0", got)
	}
}

func TestTransport_SendDoesNotWaitForSlowWrite(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	started := make(chan struct{}, 10)
	release := make(chan struct{})
	d.mu.Lock()
	d.prepare = func(fc *fakeClient) {
		fc.sendHook = func([]byte) {
			started <- struct{}{}
			<-release
		}
	}
	d.mu.Unlock()

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	first := tr.Send([]byte("A"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("write of A never started")
	}

	start := time.Now()
	second := tr.Send([]byte("B"))
	stats := tr.Stats()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Send and Stats took %v while a write was blocked", elapsed)
	}
	if stats.Queued != 2 || stats.Phase != PhaseOpen {
		t.Errorf("stats = %+v, want 2 pending messages while open", stats)
	}
	select {
	case <-first.Done():
		t.Fatal("A settled before its write finished")
	default:
	}

	close(release)
	for _, p := range []*PendingSend{first, second} {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}
	if got := fc.payloads(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("wire = %q, want [A B]", got)
	}
}

func TestTransport_SendDuringDrainDoesNotWait(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	d.mu.Lock()
	d.prepare = func(fc *fakeClient) {
		fc.sendHook = func([]byte) { time.Sleep(20 * time.Millisecond) }
	}
	d.mu.Unlock()

	var handles []*PendingSend
	for i := 0; i < 10; i++ {
		handles = append(handles, tr.Send([]byte{byte('0' + i)}))
	}
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	start := time.Now()
	handles = append(handles, tr.Send([]byte("late")))
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Send during drain took %v", elapsed)
	}

	for _, p := range handles {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}
	want := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "late"}
	if got := fc.payloads(); !reflect.DeepEqual(got, want) {
		t.Errorf("wire = %q, want %q", got, want)
	}
}

func TestTransport_CloseDuringSlowWrite(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	started := make(chan struct{}, 10)
	release := make(chan struct{})
	d.mu.Lock()
	d.prepare = func(fc *fakeClient) {
		fc.sendHook = func([]byte) {
			started <- struct{}{}
			<-release
		}
	}
	d.mu.Unlock()

	tr.Connect()
	d.next(t).accept()
	waitPhase(t, tr, PhaseOpen)

	inflight := tr.Send([]byte("A"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("write of A never started")
	}
	queued := tr.Send([]byte("B"))

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Close took %v while a write was blocked", elapsed)
	}
	if err := waitSettled(t, queued); !errors.Is(err, ErrClosed) {
		t.Errorf("B = %v, want ErrClosed", err)
	}

	close(release)
	if err := waitSettled(t, inflight); err != nil {
		t.Errorf("A = %v, want delivered once its write completed", err)
	}
}

func TestTransport_FIFOAcrossReconnect(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	tr.Connect()
	first := d.next(t)
	first.accept()
	waitPhase(t, tr, PhaseOpen)

	first.drop(1006, "network lost")
	waitLost(t, tr)

	var handles []*PendingSend
	for _, s := range []string{"A", "B", "C"} {
		handles = append(handles, tr.Send([]byte(s)))
	}

	second := d.next(t)
	second.accept()

	for _, p := range handles {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}
	if got := second.payloads(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("wire = %q, want [A B C]", got)
	}
	for i := 1; i < len(handles); i++ {
		if handles[i].Seq() <= handles[i-1].Seq() {
			t.Errorf("sequence numbers not increasing: %d then %d", handles[i-1].Seq(), handles[i].Seq())
		}
	}
}

func TestTransport_SendFailureFallsBackToQueue(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	tr.Connect()
	first := d.next(t)
	first.accept()
	waitPhase(t, tr, PhaseOpen)

	first.setSendErr(errors.New("broken pipe"))
	p := tr.Send([]byte("A"))

	select {
	case <-p.Done():
		t.Fatalf("failed send should stay pending, got %v", p.Err())
	default:
	}

	second := d.next(t)
	second.accept()

	if err := waitSettled(t, p); err != nil {
		t.Fatalf("message rejected: %v", err)
	}
	if got := second.payloads(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("wire = %q, want [A]", got)
	}
	if got := first.payloads(); len(got) != 0 {
		t.Errorf("failed channel carried %q", got)
	}
}

func TestTransport_DrainStopsAtFirstFailure(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	var handles []*PendingSend
	for _, s := range []string{"A", "B", "C"} {
		handles = append(handles, tr.Send([]byte(s)))
	}

	first := d.next(t)
	first.mu.Lock()
	first.failFrom = 1
	first.mu.Unlock()
	first.accept()

	if err := waitSettled(t, handles[0]); err != nil {
		t.Fatalf("A rejected: %v", err)
	}

	second := d.next(t)
	second.accept()

	for _, p := range handles[1:] {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}

	wire := append(first.payloads(), second.payloads()...)
	if !reflect.DeepEqual(wire, []string{"A", "B", "C"}) {
		t.Errorf("wire = %q, want each message exactly once in order", wire)
	}
}

func TestTransport_SlowDeliveryKeepsOrder(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	fc.drop(1006, "network lost")
	waitLost(t, tr)

	d.mu.Lock()
	d.prepare = func(fc *fakeClient) {
		fc.sendHook = func(data []byte) {
			if string(data) == "B" {
				time.Sleep(30 * time.Millisecond)
			}
		}
	}
	d.mu.Unlock()

	handles := make([]*PendingSend, 3)
	for i, s := range []string{"A", "B", "C"} {
		handles[i] = tr.Send([]byte(s))
	}

	second := d.next(t)
	second.accept()

	for _, p := range handles {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}
	if got := second.payloads(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("wire = %q, want [A B C]", got)
	}
}

func TestTransport_QueueOverflowDropsOldest(t *testing.T) {
	cfg := testTransportConfig()
	cfg.MaxQueue = 2
	tr, d := newTestTransport(t, cfg)

	a := tr.Send([]byte("A"))
	b := tr.Send([]byte("B"))
	c := tr.Send([]byte("C"))

	if err := waitSettled(t, a); !errors.Is(err, ErrQueueOverflow) {
		t.Fatalf("A = %v, want ErrQueueOverflow", err)
	}

	fc := d.next(t)
	fc.accept()

	for _, p := range []*PendingSend{b, c} {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}
	if got := fc.payloads(); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("wire = %q, want [B C]", got)
	}
	if got := tr.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestTransport_ReconnectionBound(t *testing.T) {
	var closes atomic.Int32
	cfg := testTransportConfig()
	cfg.ReconnectionAttempts = 3
	cfg.ReconnectionTimeout = 20 * time.Millisecond
	cfg.OnClose = func(code int, reason string) { closes.Add(1) }
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	first := d.next(t)
	first.accept()
	waitPhase(t, tr, PhaseOpen)

	lostAt := time.Now()
	first.drop(1006, "network lost")
	waitLost(t, tr)
	p := tr.Send([]byte("X"))

	for attempt := 1; attempt <= 3; attempt++ {
		fc := d.next(t)
		fc.mu.Lock()
		openedAt := fc.openedAt
		fc.mu.Unlock()

		minDelay := time.Duration(attempt) * cfg.ReconnectionTimeout
		if elapsed := openedAt.Sub(lostAt); elapsed < minDelay-5*time.Millisecond {
			t.Errorf("attempt %d started after %v, want at least %v", attempt, elapsed, minDelay)
		}
		if got := tr.Stats().AttemptsMade; got != attempt {
			t.Errorf("AttemptsMade = %d, want %d", got, attempt)
		}
		fc.refuse()
	}

	waitPhase(t, tr, PhasePermanentlyClosed)
	d.expectNone(t, 5*cfg.ReconnectionTimeout)

	if err := waitSettled(t, p); !errors.Is(err, ErrPermanentlyClosed) {
		t.Errorf("queued message = %v, want ErrPermanentlyClosed", err)
	}
	if got := d.count(); got != 4 {
		t.Errorf("channels created = %d, want 4", got)
	}
	if got := tr.Stats().AttemptsMade; got != 3 {
		t.Errorf("AttemptsMade = %d, want 3", got)
	}
	if got := closes.Load(); got != 1 {
		t.Errorf("OnClose called %d times, want 1", got)
	}

	late := tr.Send([]byte("late"))
	select {
	case <-late.Done():
	default:
		t.Fatal("send after exhaustion should settle immediately")
	}
	if !errors.Is(late.Err(), ErrPermanentlyClosed) {
		t.Errorf("late send = %v, want ErrPermanentlyClosed", late.Err())
	}
}

func TestTransport_NoReconnectWhenAttemptsZero(t *testing.T) {
	cfg := testTransportConfig()
	cfg.ReconnectionAttempts = 0
	tr, d := newTestTransport(t, cfg)

	p := tr.Send([]byte("A"))
	d.next(t).refuse()

	waitPhase(t, tr, PhasePermanentlyClosed)
	if err := waitSettled(t, p); !errors.Is(err, ErrPermanentlyClosed) {
		t.Fatalf("A = %v, want ErrPermanentlyClosed", err)
	}
	var ce *ConnectionError
	if !errors.As(p.Err(), &ce) {
		t.Errorf("rejection %v should carry the last ConnectionError", p.Err())
	}
	d.expectNone(t, 50*time.Millisecond)
}

func TestTransport_ConnectAfterPermanentlyClosed(t *testing.T) {
	cfg := testTransportConfig()
	cfg.ReconnectionAttempts = 0
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	d.next(t).refuse()
	waitPhase(t, tr, PhasePermanentlyClosed)

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	if err := waitSettled(t, tr.Send([]byte("again"))); err != nil {
		t.Errorf("send after reconnect = %v", err)
	}
}

func TestTransport_AttemptsResetOnOpen(t *testing.T) {
	cfg := testTransportConfig()
	cfg.ReconnectionAttempts = 2
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	for round := 0; round < 2; round++ {
		fc.drop(1006, "network lost")
		d.next(t).refuse()
		fc = d.next(t)
		fc.accept()
		waitPhase(t, tr, PhaseOpen)

		if got := tr.Stats().AttemptsMade; got != 0 {
			t.Fatalf("round %d: AttemptsMade = %d, want 0 after open", round, got)
		}
	}
}

func TestTransport_UnlimitedAttempts(t *testing.T) {
	cfg := testTransportConfig()
	cfg.ReconnectionTimeout = time.Millisecond
	tr, d := newTestTransport(t, cfg)

	p := tr.Send([]byte("A"))
	for i := 0; i < 10; i++ {
		d.next(t).refuse()
	}
	fc := d.next(t)
	fc.accept()

	if err := waitSettled(t, p); err != nil {
		t.Fatalf("A rejected: %v", err)
	}
	if got := fc.payloads(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("wire = %q, want [A]", got)
	}
}

func TestTransport_OnCloseOncePerLoss(t *testing.T) {
	type closure struct {
		code   int
		reason string
	}
	got := make(chan closure, 10)
	cfg := testTransportConfig()
	cfg.OnClose = func(code int, reason string) { got <- closure{code, reason} }
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)
	fc.drop(4000, "bye")

	select {
	case c := <-got:
		if c.code != 4000 || c.reason != "bye" {
			t.Errorf("OnClose(%d, %q), want (4000, \"bye\")", c.code, c.reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}

	// Failed handshakes are not losses
	d.next(t).refuse()
	d.next(t).accept()
	waitPhase(t, tr, PhaseOpen)

	select {
	case c := <-got:
		t.Errorf("unexpected OnClose(%d, %q)", c.code, c.reason)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTransport_OnCloseMayCallTransport(t *testing.T) {
	var tr *Transport
	called := make(chan Phase, 1)
	cfg := testTransportConfig()
	cfg.OnClose = func(int, string) { called <- tr.Phase() }
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)
	fc.drop(1006, "network lost")

	select {
	case p := <-called:
		if p != PhaseReconnecting {
			t.Errorf("phase inside OnClose = %v, want reconnecting", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestTransport_IntentionalClose(t *testing.T) {
	var closes atomic.Int32
	cfg := testTransportConfig()
	cfg.OnClose = func(int, string) { closes.Add(1) }
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)

	a := tr.Send([]byte("A"))
	if err := waitSettled(t, a); err != nil {
		t.Fatalf("A rejected: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d.expectNone(t, 10*cfg.ReconnectionTimeout)
	if got := closes.Load(); got != 0 {
		t.Errorf("OnClose called %d times after Close, want 0", got)
	}
	if tr.Phase() != PhaseShutdown {
		t.Errorf("Phase() = %v, want shutdown", tr.Phase())
	}
	if tr.State() != connection.StateClosed {
		t.Errorf("State() = %v, want closed", tr.State())
	}
	if got := fc.payloads(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("wire = %q, want [A]", got)
	}
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	tr.Connect()
	d.next(t).accept()
	waitPhase(t, tr, PhaseOpen)

	for i := 0; i < 3; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("Close #%d failed: %v", i+1, err)
		}
	}

	p := tr.Send([]byte("late"))
	if !errors.Is(waitSettled(t, p), ErrClosed) {
		t.Errorf("send after Close = %v, want ErrClosed", p.Err())
	}
	if err := tr.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestTransport_CloseCancelsPendingReconnect(t *testing.T) {
	cfg := testTransportConfig()
	cfg.ReconnectionTimeout = 100 * time.Millisecond
	tr, d := newTestTransport(t, cfg)

	tr.Connect()
	fc := d.next(t)
	fc.accept()
	waitPhase(t, tr, PhaseOpen)
	fc.drop(1006, "network lost")
	waitPhase(t, tr, PhaseReconnecting)

	tr.Close()
	d.expectNone(t, 4*cfg.ReconnectionTimeout)
}

func TestTransport_CloseRejectsQueued(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	a := tr.Send([]byte("A"))
	b := tr.Send([]byte("B"))
	fc := d.next(t)

	tr.Close()
	for _, p := range []*PendingSend{a, b} {
		if err := waitSettled(t, p); !errors.Is(err, ErrClosed) {
			t.Errorf("message %d = %v, want ErrClosed", p.Seq(), err)
		}
	}

	// A handshake completing after Close must not deliver anything
	fc.accept()
	time.Sleep(20 * time.Millisecond)
	if got := fc.payloads(); len(got) != 0 {
		t.Errorf("wire after Close = %q, want nothing", got)
	}
}

func TestTransport_ConcurrentSends(t *testing.T) {
	tr, d := newTestTransport(t, testTransportConfig())

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	handles := make(chan *PendingSend, senders*perSender)

	tr.Connect()
	fc := d.next(t)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				handles <- tr.Send([]byte("m"))
			}
		}()
	}
	fc.accept()
	wg.Wait()
	close(handles)

	for p := range handles {
		if err := waitSettled(t, p); err != nil {
			t.Fatalf("message %d rejected: %v", p.Seq(), err)
		}
	}
	if got := len(fc.payloads()); got != senders*perSender {
		t.Errorf("wire carried %d messages, want %d", got, senders*perSender)
	}
	if got := tr.Stats().NextSeq; got != senders*perSender {
		t.Errorf("NextSeq = %d, want %d", got, senders*perSender)
	}
}
