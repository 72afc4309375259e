package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/cache"
	"github.com/avaropoint/kiosk/internal/connectivity"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/protocol"
	"github.com/avaropoint/kiosk/internal/reconnect"
	"github.com/avaropoint/kiosk/internal/registration"
)

var errDial = backend.WrapNetwork(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

type fakeRegistrar struct {
	mu           sync.Mutex
	reg          registration.Registration
	server       registration.AuthorizationStatus
	registerErr  []error
	heartbeatErr error

	registers  atomic.Int32
	checks     atomic.Int32
	heartbeats atomic.Int32
}

func (f *fakeRegistrar) setServer(s registration.AuthorizationStatus) {
	f.mu.Lock()
	f.server = s
	f.mu.Unlock()
}

func (f *fakeRegistrar) Current(context.Context) (registration.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reg, nil
}

func (f *fakeRegistrar) Register(context.Context) (registration.Registration, error) {
	f.registers.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.registerErr) > 0 {
		err := f.registerErr[0]
		f.registerErr = f.registerErr[1:]
		return registration.Registration{}, err
	}
	f.reg = registration.Registration{Token: "tok", Status: f.server, DisplayIdentifier: "lobby"}
	return f.reg, nil
}

func (f *fakeRegistrar) CheckStatus(context.Context) (registration.AuthorizationStatus, error) {
	f.checks.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reg.Token == "" {
		return registration.StatusUnregistered, registration.ErrNotRegistered
	}
	return f.observe()
}

// observe applies the server status the way the registration client does.
func (f *fakeRegistrar) observe() (registration.AuthorizationStatus, error) {
	if !registration.CanTransition(f.reg.Status, f.server) {
		return f.reg.Status, &registration.TransitionError{From: f.reg.Status, To: f.server}
	}
	f.reg.Status = f.server
	return f.server, nil
}

func (f *fakeRegistrar) SendHeartbeat(context.Context) (registration.AuthorizationStatus, error) {
	f.heartbeats.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.heartbeatErr != nil {
		return f.reg.Status, f.heartbeatErr
	}
	return f.observe()
}

type fakeLoader struct {
	mu    sync.Mutex
	err   error
	paths []string
	calls atomic.Int32
}

func (f *fakeLoader) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeLoader) Load(_ context.Context, path string) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return f.err
}

type fakeCache struct {
	mu           sync.Mutex
	doc          *cache.Document
	block        chan struct{}
	refreshes    atomic.Int32
	sweeps       atomic.Int32
	fallbacks    atomic.Int32
	lastSweepTTL time.Duration
}

func (f *fakeCache) Refresh(context.Context) (int, error) {
	f.refreshes.Add(1)
	return 1, nil
}

func (f *fakeCache) SweepExpired(_ context.Context, ttl time.Duration) (cache.SweepResult, error) {
	f.sweeps.Add(1)
	f.mu.Lock()
	f.lastSweepTTL = ttl
	f.mu.Unlock()
	return cache.SweepResult{}, nil
}

func (f *fakeCache) RenderOfflineFallback(ctx context.Context) (*cache.Document, error) {
	f.fallbacks.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil {
		return nil, cache.ErrNothingCached
	}
	return f.doc, nil
}

type fakeGate struct {
	suspended atomic.Bool
	resumes   atomic.Int32
}

func (g *fakeGate) Suspend() { g.suspended.Store(true) }

func (g *fakeGate) Resume() {
	g.resumes.Add(1)
	g.suspended.Store(false)
}

type fakeConn struct {
	online bool
	ch     chan connectivity.Change
}

func newFakeConn(online bool) *fakeConn {
	return &fakeConn{online: online, ch: make(chan connectivity.Change)}
}

func (f *fakeConn) Online() bool                          { return f.online }
func (f *fakeConn) Subscribe() <-chan connectivity.Change { return f.ch }

type recorder struct {
	mu    sync.Mutex
	views []protocol.View
}

func (r *recorder) Publish(v protocol.View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func (r *recorder) last() protocol.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return protocol.View{}
	}
	return r.views[len(r.views)-1]
}

func (r *recorder) seen(pred func(protocol.View) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.views {
		if pred(v) {
			return true
		}
	}
	return false
}

// waitFor waits until the latest view satisfies pred and returns it.
func (r *recorder) waitFor(t *testing.T, pred func(protocol.View) bool) protocol.View {
	t.Helper()

	var got protocol.View
	require.Eventually(t, func() bool {
		got = r.last()
		return pred(got)
	}, 3*time.Second, 5*time.Millisecond, "last view: %+v", r.last())
	return got
}

func inState(s protocol.ViewState) func(protocol.View) bool {
	return func(v protocol.View) bool { return v.State == s }
}

type harness struct {
	reg    *fakeRegistrar
	loader *fakeLoader
	cache  *fakeCache
	gate   *fakeGate
	conn   *fakeConn
	views  *recorder
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func testOptions() Options {
	return Options{
		ContentPath:    func(id string) string { return "/public/display.html?id=" + id },
		Policy:         reconnect.Policy{Initial: time.Hour, Max: 4 * time.Hour, Multiplier: 2},
		PendingPoll:    time.Hour,
		AuthorizedPoll: time.Hour,
		HaltedPoll:     time.Hour,
		Heartbeat:      time.Hour,
		SweepInterval:  time.Hour,
		TTL:            time.Hour,
	}
}

func authorized() *fakeRegistrar {
	return &fakeRegistrar{
		reg:    registration.Registration{Token: "tok", Status: registration.StatusAuthorized, DisplayIdentifier: "lobby"},
		server: registration.StatusAuthorized,
	}
}

func start(t *testing.T, reg *fakeRegistrar, opts Options) *harness {
	t.Helper()

	h := &harness{
		reg:    reg,
		loader: &fakeLoader{},
		cache:  &fakeCache{},
		gate:   &fakeGate{},
		conn:   newFakeConn(true),
		views:  &recorder{},
		done:   make(chan error, 1),
	}
	return h.run(t, opts)
}

func (h *harness) run(t *testing.T, opts Options) *harness {
	t.Helper()

	h.ctrl = New(h.reg, h.loader, h.cache, h.gate, h.conn, h.views, opts, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctrl.Run(ctx) }()

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
		}
	})
}

func (h *harness) setConnectivity(online bool) {
	h.conn.ch <- connectivity.Change{Online: online, At: time.Now()}
}
