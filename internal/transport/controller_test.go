package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryState_Exhausted(t *testing.T) {
	tests := []struct {
		made, max int
		want      bool
	}{
		{0, 0, true},
		{0, 3, false},
		{2, 3, false},
		{3, 3, true},
		{1000, Unlimited, false},
	}

	for _, tt := range tests {
		r := RetryState{AttemptsMade: tt.made, MaxAttempts: tt.max}
		if got := r.Exhausted(); got != tt.want {
			t.Errorf("RetryState{%d, %d}.Exhausted() = %v, want %v", tt.made, tt.max, got, tt.want)
		}
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseConnecting, "connecting"},
		{PhaseOpen, "open"},
		{PhaseReconnecting, "reconnecting"},
		{PhasePermanentlyClosed, "permanently_closed"},
		{PhaseShutdown, "shutdown"},
		{Phase(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestPendingSend_SettlesOnce(t *testing.T) {
	p := newPendingSend(7)
	if p.Err() != nil {
		t.Errorf("Err() while pending = %v, want nil", p.Err())
	}

	p.settle(ErrQueueOverflow)
	p.settle(nil)

	if !errors.Is(p.Err(), ErrQueueOverflow) {
		t.Errorf("Err() = %v, want ErrQueueOverflow", p.Err())
	}
	if p.Seq() != 7 {
		t.Errorf("Seq() = %d, want 7", p.Seq())
	}
}

func TestPendingSend_WaitHonorsContext(t *testing.T) {
	p := newPendingSend(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestRejected(t *testing.T) {
	p := Rejected(ErrClosed)
	select {
	case <-p.Done():
	default:
		t.Fatal("Rejected handle should already be settled")
	}
	if !errors.Is(p.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", p.Err())
	}
	if p.Seq() != NoSeq {
		t.Errorf("Seq() = %d, want NoSeq", p.Seq())
	}
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("boom")

	if !errors.Is(&ConnectionError{Err: cause}, cause) {
		t.Error("ConnectionError should unwrap to its cause")
	}
	if !errors.Is(&SendFailure{Seq: 1, Err: cause}, cause) {
		t.Error("SendFailure should unwrap to its cause")
	}
	if !errors.Is(&ConfigurationError{Field: "token", Reason: "bad", Err: cause}, cause) {
		t.Error("ConfigurationError should unwrap to its cause")
	}

	ce := &ConnectionError{Code: 4000, Reason: "bye"}
	if got := ce.Error(); got != "connection closed: code 4000: bye" {
		t.Errorf("Error() = %q", got)
	}
}
