package session

import (
	"context"
	"errors"
	"time"

	"github.com/avaropoint/kiosk/internal/protocol"
	"github.com/avaropoint/kiosk/internal/registration"
)

var errAlreadyRunning = errors.New("session already running")

// start resumes from the stored registration or registers the device.
func (c *Controller) start() {
	cur, err := c.reg.Current(c.ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Reading registration failed")
	}
	if !cur.Registered() {
		c.halted = true
		c.scheduleRegister(0)
		return
	}

	c.log.Info().Str("status", string(cur.Status)).Msg("Resuming stored registration")
	c.applyStatus(cur.Status)
	c.schedulePoll(0)
}

func (c *Controller) scheduleRegister(d time.Duration) {
	c.later(c.register, d, func() {
		c.async(func(ctx context.Context) func() {
			reg, err := c.reg.Register(ctx)
			return func() { c.onRegistered(reg, err) }
		})
	})
}

func (c *Controller) onRegistered(reg registration.Registration, err error) {
	if err != nil {
		if errors.Is(err, registration.ErrStaleResponse) || c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Dur("retry_in", c.opts.HaltedPoll).Msg("Registration failed")

		retryAt := c.opts.Clock.Now().Add(c.opts.HaltedPoll)
		c.publish(protocol.View{
			State:   protocol.ViewError,
			Title:   "Registration failed",
			Message: describe(err),
			RetryAt: retryAt,
			RetryIn: seconds(c.opts.HaltedPoll),
		})
		c.scheduleRegister(c.opts.HaltedPoll)
		return
	}

	c.register.Cancel()
	c.applyStatus(reg.Status)
}

func (c *Controller) schedulePoll(d time.Duration) {
	c.later(c.poll, d, func() {
		c.async(func(ctx context.Context) func() {
			status, err := c.reg.CheckStatus(ctx)
			return func() { c.onStatus(status, err) }
		})
	})
}

func (c *Controller) onStatus(status registration.AuthorizationStatus, err error) {
	if c.ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		c.applyStatus(status)
	case errors.Is(err, registration.ErrNotRegistered):
		c.log.Warn().Msg("Registration missing, registering again")
		c.applyStatus(registration.StatusUnregistered)
	default:
		if c.reapprove(err) {
			return
		}
		if !errors.Is(err, registration.ErrStaleResponse) {
			c.log.Warn().Err(err).Str("status", string(c.status)).Msg("Status check failed")
		}
		c.schedulePoll(c.pollInterval())
	}
}

// reapprove handles a server that reports authorized for a device the
// transition table keeps out of it. Only a fresh registration may grant it.
func (c *Controller) reapprove(err error) bool {
	var te *registration.TransitionError
	if !errors.As(err, &te) || te.To != registration.StatusAuthorized {
		return false
	}
	c.log.Info().Str("from", string(te.From)).Msg("Server reports authorized, registering again")
	c.poll.Cancel()
	c.scheduleRegister(0)
	return true
}

func (c *Controller) armHeartbeat() {
	if _, pending := c.heartbeat.Pending(); pending {
		return
	}
	c.later(c.heartbeat, c.opts.Heartbeat, func() {
		if c.status != registration.StatusAuthorized {
			return
		}
		c.async(func(ctx context.Context) func() {
			status, err := c.reg.SendHeartbeat(ctx)
			return func() { c.onHeartbeat(status, err) }
		})
	})
}

// onHeartbeat applies a status change reported by the heartbeat. A failed
// heartbeat does not touch the reconnect backoff.
func (c *Controller) onHeartbeat(status registration.AuthorizationStatus, err error) {
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		if c.reapprove(err) {
			return
		}
		if !errors.Is(err, registration.ErrStaleResponse) {
			c.log.Debug().Err(err).Msg("Heartbeat failed")
		}
	} else if status != c.status {
		c.applyStatus(status)
		return
	}
	if c.status == registration.StatusAuthorized {
		c.armHeartbeat()
	}
}

// applyStatus reacts to an authorization status and schedules the next poll.
func (c *Controller) applyStatus(status registration.AuthorizationStatus) {
	prev := c.status
	c.setStatus(status)

	switch status {
	case registration.StatusAuthorized:
		c.halted = false
		c.gate.Resume()
		c.armHeartbeat()
		if prev != registration.StatusAuthorized {
			c.startLoad()
		}
	case registration.StatusPending, registration.StatusRejected, registration.StatusRevoked:
		if prev != status || c.view.State != protocol.ViewUnauthorized {
			c.halt(status)
		}
	case registration.StatusError:
		c.heartbeat.Cancel()
		if c.halted {
			if prev != status || c.view.State != protocol.ViewUnauthorized {
				c.halt(status)
			}
			break
		}
		if prev == status {
			break
		}
		if _, retrying := c.retry.Pending(); c.loaded || retrying {
			c.publish(c.view)
		} else {
			c.startLoad()
		}
	case registration.StatusUnregistered:
		c.halt(status)
		c.poll.Cancel()
		c.scheduleRegister(0)
		return
	}

	c.schedulePoll(c.pollInterval())
}

func (c *Controller) setStatus(status registration.AuthorizationStatus) {
	if status != c.status {
		c.log.Info().Str("from", string(c.status)).Str("to", string(status)).Msg("Session authorization changed")
	}
	c.status = status
}

// halt stops content and retries until the status changes again. Content
// stays stopped through StatusError until the device is authorized.
func (c *Controller) halt(status registration.AuthorizationStatus) {
	c.gate.Suspend()
	c.retry.Cancel()
	c.heartbeat.Cancel()
	c.loadGen++
	c.loaded = false
	c.halted = true

	title, msg := "Awaiting authorization", "This display is waiting to be approved."
	switch status {
	case registration.StatusRejected:
		title, msg = "Authorization denied", "This display was rejected by the server."
	case registration.StatusRevoked:
		title, msg = "Authorization revoked", "This display is no longer authorized."
	case registration.StatusUnregistered:
		title, msg = "Registering", "Registering this display with the server."
	case registration.StatusError:
		title, msg = "Authorization unavailable", "The server could not confirm this display's authorization."
	}
	c.publish(protocol.View{State: protocol.ViewUnauthorized, Title: title, Message: msg})
}

func (c *Controller) pollInterval() time.Duration {
	switch c.status {
	case registration.StatusPending:
		return c.opts.PendingPoll
	case registration.StatusAuthorized:
		return c.opts.AuthorizedPoll
	default:
		return c.opts.HaltedPoll
	}
}
