// Package reconnect computes retry delays and schedules cancelable retries.
package reconnect

import (
	"math"
	"time"
)

// Policy holds the backoff parameters.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy is 3s doubling up to 60s.
func DefaultPolicy() Policy {
	return Policy{Initial: 3 * time.Second, Max: 60 * time.Second, Multiplier: 2.0}
}

// State is the transient retry state.
type State struct {
	Attempt   uint
	NextDelay time.Duration
}

// Backoff is the pure retry state machine. It is not safe for concurrent
// use; the session loop owns it.
type Backoff struct {
	policy Policy
	state  State
}

// NewBackoff returns a Backoff in its reset state.
func NewBackoff(p Policy) *Backoff {
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy().Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	b := &Backoff{policy: p}
	b.reset()
	return b
}

// OnFailure returns the delay before the next attempt, then advances.
func (b *Backoff) OnFailure() time.Duration {
	delay := b.delayFor(b.state.Attempt)
	b.state.Attempt++
	b.state.NextDelay = b.delayFor(b.state.Attempt)
	return delay
}

// OnSuccess resets the state after a successful load.
func (b *Backoff) OnSuccess() { b.reset() }

// OnConnectivityRestored resets the state after an offline to online transition.
func (b *Backoff) OnConnectivityRestored() { b.reset() }

// State returns a copy of the current state.
func (b *Backoff) State() State { return b.state }

func (b *Backoff) reset() {
	b.state = State{Attempt: 0, NextDelay: b.policy.Initial}
}

// delayFor is min(initial * multiplier^attempt, max), computed in float to avoid overflow.
func (b *Backoff) delayFor(attempt uint) time.Duration {
	d := float64(b.policy.Initial) * math.Pow(b.policy.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.policy.Max) {
		return b.policy.Max
	}
	return time.Duration(d)
}
