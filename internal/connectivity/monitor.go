// Package connectivity tracks whether the kiosk server is reachable and
// notifies subscribers on online/offline transitions only.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/logger"
)

// Change is a single transition.
type Change struct {
	Online bool
	At     time.Time
}

// LinkSource reports whether any usable network link is up.
type LinkSource interface {
	LinkUp(ctx context.Context) (bool, error)
}

// Prober validates reachability beyond link state.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor samples link state and reachability at a fixed interval.
type Monitor struct {
	link     LinkSource
	probe    Prober
	interval time.Duration
	timeout  time.Duration
	log      logger.Logger
	now      func() time.Time

	mu        sync.RWMutex
	online    bool
	known     bool
	changedAt time.Time
	subs      []chan Change
}

// NewMonitor creates a Monitor. probe may be nil, in which case link state alone decides.
func NewMonitor(link LinkSource, probe Prober, interval time.Duration, log logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		link:     link,
		probe:    probe,
		interval: interval,
		timeout:  10 * time.Second,
		log:      log.WithComponent("connectivity"),
		now:      time.Now,
	}
}

// Online returns the latest snapshot.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ChangedAt returns when the state last changed.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// Subscribe returns a channel receiving transitions. A slow reader only
// sees the most recent transition.
func (m *Monitor) Subscribe() <-chan Change {
	ch := make(chan Change, 1)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	return ch
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check samples once and returns the resulting state. The first sample
// establishes the baseline without notifying.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.sample(ctx)
	m.set(online)
	return online
}

func (m *Monitor) sample(ctx context.Context) bool {
	up, err := m.link.LinkUp(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("Link state unavailable, assuming up")
		up = true
	}
	if !up {
		return false
	}
	if m.probe == nil {
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.probe.Probe(pctx); err != nil {
		m.log.Debug().Err(err).Msg("Reachability probe failed")
		return false
	}
	return true
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.known && m.online == online {
		return
	}

	first := !m.known
	m.known = true
	m.online = online
	m.changedAt = m.now()

	if first {
		m.log.Info().Bool("online", online).Msg("Initial connectivity state")
		return
	}

	m.log.Info().Bool("online", online).Msg("Connectivity changed")
	change := Change{Online: online, At: m.changedAt}
	for _, ch := range m.subs {
		deliver(ch, change)
	}
}

// deliver replaces any undelivered value with the newest one.
func deliver(ch chan Change, c Change) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// HealthChecker is satisfied by *backend.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthProber treats any HTTP answer from the health endpoint as reachable:
// the network path works even if the backend reports itself unhealthy.
type HealthProber struct {
	Checker HealthChecker
}

// Probe implements Prober.
func (p HealthProber) Probe(ctx context.Context) error {
	err := p.Checker.Health(ctx)
	var se *backend.ServerError
	if errors.As(err, &se) {
		return nil
	}
	return err
}
