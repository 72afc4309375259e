// Package session drives what the kiosk shows. A single goroutine owns all
// session state; network work runs in background goroutines that post
// their results back to it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/avaropoint/kiosk/internal/cache"
	"github.com/avaropoint/kiosk/internal/connectivity"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/protocol"
	"github.com/avaropoint/kiosk/internal/reconnect"
	"github.com/avaropoint/kiosk/internal/registration"
)

// Registrar is the registration and authorization surface.
type Registrar interface {
	Current(ctx context.Context) (registration.Registration, error)
	Register(ctx context.Context) (registration.Registration, error)
	CheckStatus(ctx context.Context) (registration.AuthorizationStatus, error)
	SendHeartbeat(ctx context.Context) (registration.AuthorizationStatus, error)
}

// Loader fetches the live content page.
type Loader interface {
	Load(ctx context.Context, url string) error
}

// Cache is the offline cache surface.
type Cache interface {
	Refresh(ctx context.Context) (int, error)
	SweepExpired(ctx context.Context, ttl time.Duration) (cache.SweepResult, error)
	RenderOfflineFallback(ctx context.Context) (*cache.Document, error)
}

// Gate withholds content while the device is not authorized.
type Gate interface {
	Suspend()
	Resume()
}

// Connectivity reports reachability transitions.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan connectivity.Change
}

// Publisher receives every view change.
type Publisher interface {
	Publish(v protocol.View)
}

// Options configures a Controller.
type Options struct {
	// ContentPath returns the origin-relative live content URL for a display identifier.
	ContentPath func(displayIdentifier string) string
	// OfflinePath is where the offline fallback page is served.
	OfflinePath string

	Policy         reconnect.Policy
	PendingPoll    time.Duration
	AuthorizedPoll time.Duration
	HaltedPoll     time.Duration
	Heartbeat      time.Duration
	SweepInterval  time.Duration
	TTL            time.Duration

	Clock reconnect.Clock
}

func (o *Options) setDefaults() {
	if o.OfflinePath == "" {
		o.OfflinePath = "/offline"
	}
	if o.PendingPoll <= 0 {
		o.PendingPoll = 10 * time.Second
	}
	if o.AuthorizedPoll <= 0 {
		o.AuthorizedPoll = 5 * time.Minute
	}
	if o.HaltedPoll <= 0 {
		o.HaltedPoll = 10 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Hour
	}
	if o.TTL <= 0 {
		o.TTL = cache.DefaultTTL
	}
	if o.Clock == nil {
		o.Clock = reconnect.RealClock()
	}
}

// Controller is the display session state machine.
type Controller struct {
	reg   Registrar
	load  Loader
	cache Cache
	gate  Gate
	conn  Connectivity
	pub   Publisher
	opts  Options
	log   logger.Logger

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// Owned by the Run goroutine.
	ctx       context.Context
	status    registration.AuthorizationStatus
	online    bool
	view      protocol.View
	loadGen   uint64
	loaded    bool
	halted    bool
	backoff   *reconnect.Backoff
	retry     *reconnect.Scheduler
	poll      *reconnect.Scheduler
	heartbeat *reconnect.Scheduler
	sweep     *reconnect.Scheduler
	register  *reconnect.Scheduler

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Controller. Call Run to start it.
func New(reg Registrar, load Loader, c Cache, gate Gate, conn Connectivity, pub Publisher, opts Options, log logger.Logger) *Controller {
	opts.setDefaults()
	return &Controller{
		reg:       reg,
		load:      load,
		cache:     c,
		gate:      gate,
		conn:      conn,
		pub:       pub,
		opts:      opts,
		log:       log.WithComponent("session"),
		events:    make(chan func(), 32),
		done:      make(chan struct{}),
		status:    registration.StatusUnregistered,
		backoff:   reconnect.NewBackoff(opts.Policy),
		retry:     reconnect.NewScheduler(opts.Clock),
		poll:      reconnect.NewScheduler(opts.Clock),
		heartbeat: reconnect.NewScheduler(opts.Clock),
		sweep:     reconnect.NewScheduler(opts.Clock),
		register:  reconnect.NewScheduler(opts.Clock),
	}
}

// Run drives the session until ctx is canceled. All timers are stopped and
// background work has finished when it returns.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errAlreadyRunning
	}

	c.ctx = ctx
	defer c.shutdown()

	changes := c.conn.Subscribe()
	c.online = c.conn.Online()

	c.publish(protocol.View{State: protocol.ViewLoading, Title: "Starting"})
	c.start()
	c.scheduleSweep(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
		case ch := <-changes:
			c.onConnectivity(ch)
		}
	}
}

// Retry requests an immediate attempt. It is safe to call from any goroutine.
func (c *Controller) Retry() {
	c.post(func() {
		c.log.Info().Str("status", string(c.status)).Msg("Retry requested")
		switch {
		case c.contentPermitted():
			c.retryNow()
		case c.status == registration.StatusUnregistered:
			c.scheduleRegister(0)
		default:
			c.schedulePoll(0)
		}
	})
}

// ReconnectState returns the current backoff state.
func (c *Controller) ReconnectState() reconnect.State {
	ch := make(chan reconnect.State, 1)
	if !c.post(func() { ch <- c.backoff.State() }) {
		return reconnect.State{}
	}
	select {
	case s := <-ch:
		return s
	case <-c.done:
		return reconnect.State{}
	}
}

// Close stops every timer. Run returns once its context is canceled.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		for _, s := range []*reconnect.Scheduler{c.retry, c.poll, c.heartbeat, c.sweep, c.register} {
			s.Close()
		}
	})
}

func (c *Controller) shutdown() {
	c.Close()
	close(c.done)
	c.wg.Wait()
	c.log.Debug().Msg("Session stopped")
}

// post queues fn for the Run goroutine. It reports false once the session
// has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// async runs work off the loop and posts its continuation back.
func (c *Controller) async(work func(ctx context.Context) func()) {
	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if next := work(ctx); next != nil {
			c.post(next)
		}
	}()
}

// later schedules fn on s and runs it on the loop when it fires.
func (c *Controller) later(s *reconnect.Scheduler, d time.Duration, fn func()) {
	s.Schedule(d, func() { c.post(fn) })
}

// contentPermitted reports whether live content may be loaded. StatusError
// keeps content unless the session was already halted.
func (c *Controller) contentPermitted() bool {
	switch c.status {
	case registration.StatusAuthorized:
		return true
	case registration.StatusError:
		return !c.halted
	}
	return false
}

func (c *Controller) publish(v protocol.View) {
	v.Online = c.online
	v.Authorization = string(c.status)
	c.view = v
	c.pub.Publish(v)
}

func (c *Controller) onConnectivity(ch connectivity.Change) {
	was := c.online
	c.online = ch.Online
	if was == ch.Online {
		return
	}

	if !ch.Online {
		c.log.Warn().Msg("Connectivity lost")
		c.publish(c.view)
		return
	}

	c.log.Info().Msg("Connectivity restored")
	c.backoff.OnConnectivityRestored()
	c.publish(c.view)

	switch {
	case c.contentPermitted() && !c.loaded:
		c.retryNow()
	case c.status == registration.StatusUnregistered:
		c.scheduleRegister(0)
	default:
		c.schedulePoll(0)
	}
}

func (c *Controller) scheduleSweep(d time.Duration) {
	c.later(c.sweep, d, func() {
		c.async(func(ctx context.Context) func() {
			res, err := c.cache.SweepExpired(ctx, c.opts.TTL)
			if err != nil {
				c.log.Warn().Err(err).Msg("Cache sweep failed")
			} else if res.Items > 0 || res.Media > 0 {
				c.log.Debug().Int("items", res.Items).Int("media", res.Media).Msg("Cache swept")
			}
			return func() { c.scheduleSweep(c.opts.SweepInterval) }
		})
	})
}
