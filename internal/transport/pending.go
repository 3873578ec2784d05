package transport

import (
	"context"
	"math"
	"sync"
)

// NoSeq is the sequence number of a handle that never reached a transport.
const NoSeq uint64 = math.MaxUint64

// PendingSend is the caller's handle on one submitted message.
// It settles exactly once: delivered (nil) or rejected (non-nil error).
type PendingSend struct {
	seq  uint64
	done chan struct{}
	once sync.Once
	err  error
}

func newPendingSend(seq uint64) *PendingSend {
	return &PendingSend{
		seq:  seq,
		done: make(chan struct{}),
	}
}

// Rejected returns an already-settled handle carrying err. Its sequence
// number is NoSeq.
func Rejected(err error) *PendingSend {
	p := newPendingSend(NoSeq)
	p.settle(err)
	return p
}

// Seq returns the sequence number assigned to the message, or NoSeq.
func (p *PendingSend) Seq() uint64 {
	return p.seq
}

// Done is closed once the message is delivered or rejected.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Err returns nil while pending or after delivery, and the rejection
// reason otherwise.
func (p *PendingSend) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the message settles or ctx is done.
func (p *PendingSend) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PendingSend) settle(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
