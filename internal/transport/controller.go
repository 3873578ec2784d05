package transport

import (
	"log/slog"
	"time"

	"github.com/rickgao/errcatcher/internal/connection"
	"github.com/rickgao/errcatcher/internal/metrics"
)

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// controllerHooks are the side effects the controller drives on its owner.
type controllerHooks interface {
	// dial starts a watched channel for generation gen.
	dial(gen uint64) connection.Client
	// schedule arranges a call to fire(gen) after d.
	schedule(d time.Duration, gen uint64) stopper
	// opened runs on every transition into Open.
	opened(c connection.Client)
	// retired runs when the open channel stops accepting writes.
	retired()
	// release closes c once the lock is released.
	release(c connection.Client)
	// lost runs once per unexpected loss of an open channel.
	lost(code int, reason string)
	// exhausted runs when the attempt budget is spent.
	exhausted(cause error)
}

// controller owns the channel lifecycle. Every method is called with the
// transport lock held.
type controller struct {
	phase   Phase
	retry   RetryState
	client  connection.Client
	gen     uint64
	timer   stopper
	lastErr error

	hooks   controllerHooks
	logger  *slog.Logger
	metrics *metrics.Transport
}

func newController(retry RetryState, hooks controllerHooks, logger *slog.Logger, m *metrics.Transport) *controller {
	c := &controller{
		retry:   retry,
		hooks:   hooks,
		logger:  logger,
		metrics: m,
	}
	c.setPhase(PhaseIdle)
	return c
}

// connect starts a connection if none is active. From PermanentlyClosed it
// resets the attempt budget.
func (c *controller) connect() error {
	switch c.phase {
	case PhaseShutdown:
		return ErrClosed
	case PhaseIdle, PhasePermanentlyClosed:
		c.retry.AttemptsMade = 0
		c.lastErr = nil
		c.open()
	}
	return nil
}

func (c *controller) open() {
	c.gen++
	c.setPhase(PhaseConnecting)
	c.client = c.hooks.dial(c.gen)
}

// handle applies one channel event. Events from superseded channels are ignored.
func (c *controller) handle(gen uint64, ev connection.Event) {
	if gen != c.gen || c.phase == PhaseShutdown {
		return
	}

	switch ev.Kind {
	case connection.EventOpen:
		c.setPhase(PhaseOpen)
		c.retry.AttemptsMade = 0
		c.lastErr = nil
		c.logger.Info("collector channel open", "gen", gen)
		c.hooks.opened(c.client)

	case connection.EventError:
		c.lastErr = &ConnectionError{Err: ev.Err}
		c.logger.Warn("collector channel error", "gen", gen, "error", ev.Err)

	case connection.EventClose:
		wasOpen := c.phase == PhaseOpen
		c.client = nil
		if wasOpen {
			c.hooks.retired()
		}
		if c.lastErr == nil || wasOpen {
			c.lastErr = &ConnectionError{Code: ev.Code, Reason: ev.Reason}
		}

		if wasOpen {
			c.metrics.Disconnects.Inc()
			c.logger.Warn("collector channel lost",
				"code", ev.Code,
				"reason", ev.Reason,
			)
			c.hooks.lost(ev.Code, ev.Reason)
		} else {
			c.logger.Warn("connection attempt failed",
				"attempt", c.retry.AttemptsMade,
				"code", ev.Code,
				"reason", ev.Reason,
			)
		}
		c.retryOrGiveUp()
	}
}

func (c *controller) retryOrGiveUp() {
	if c.retry.Exhausted() {
		c.setPhase(PhasePermanentlyClosed)
		c.logger.Error("reconnection attempts exhausted",
			"attempts", c.retry.AttemptsMade,
			"error", c.lastErr,
		)
		c.hooks.exhausted(c.lastErr)
		return
	}

	c.setPhase(PhaseReconnecting)
	c.timer = c.hooks.schedule(c.retry.BaseDelay, c.gen)
}

// fire starts the next attempt once the reconnect delay has elapsed.
func (c *controller) fire(gen uint64) {
	if gen != c.gen || c.phase != PhaseReconnecting {
		return
	}
	c.timer = nil
	c.retry.AttemptsMade++
	c.metrics.ReconnectAttempts.Inc()
	c.logger.Info("reconnecting",
		"attempt", c.retry.AttemptsMade,
		"max_attempts", c.retry.MaxAttempts,
	)
	c.open()
}

// recycle closes an open channel that failed a write. The resulting close
// event drives a normal reconnection.
func (c *controller) recycle() {
	if c.phase != PhaseOpen || c.client == nil {
		return
	}
	c.logger.Debug("recycling collector channel after write failure")
	c.hooks.retired()
	c.hooks.release(c.client)
}

// shutdown cancels any pending attempt and closes the channel without
// treating the closure as a loss.
func (c *controller) shutdown() {
	if c.phase == PhaseShutdown {
		return
	}
	c.setPhase(PhaseShutdown)
	c.hooks.retired()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.client != nil {
		c.hooks.release(c.client)
		c.client = nil
	}
}

// state reports the current channel state.
func (c *controller) state() connection.State {
	if c.client == nil {
		return connection.StateClosed
	}
	return c.client.State()
}

func (c *controller) setPhase(p Phase) {
	c.phase = p
	c.metrics.Phase.Set(float64(p))
}
