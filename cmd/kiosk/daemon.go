package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/cache"
	"github.com/avaropoint/kiosk/internal/config"
	"github.com/avaropoint/kiosk/internal/connectivity"
	"github.com/avaropoint/kiosk/internal/identity"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/overlay"
	"github.com/avaropoint/kiosk/internal/protocol"
	"github.com/avaropoint/kiosk/internal/proxy"
	"github.com/avaropoint/kiosk/internal/registration"
	"github.com/avaropoint/kiosk/internal/security"
	"github.com/avaropoint/kiosk/internal/session"
	"github.com/avaropoint/kiosk/internal/store"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

const offlinePath = "/offline"

// Daemon owns every component of a running kiosk.
type Daemon struct {
	cfg      *config.Config
	log      logger.Logger
	store    *store.SQLiteStore
	settings store.Settings
	link     connectivity.LinkSource
	trust    *security.ScopedTransport
	reg      *registration.Client
	cache    *cache.Manager
	proxy    *proxy.Proxy
	monitor  *connectivity.Monitor
	hub      *overlay.Hub
	session  *session.Controller
	server   *http.Server
}

// newDaemon opens the store, settles the server address and wires the
// components together. Nothing runs until Run is called.
func newDaemon(ctx context.Context, cfg *config.Config, serverFlag string, log logger.Logger) (*Daemon, error) {
	return buildDaemon(ctx, cfg, serverFlag, connectivity.NetLink{}, log)
}

func buildDaemon(ctx context.Context, cfg *config.Config, serverFlag string, link connectivity.LinkSource, log logger.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{cfg: cfg, log: log, store: st, link: link}
	if err := d.wire(ctx, serverFlag); err != nil {
		_ = st.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context, serverFlag string) error {
	cfg := d.cfg

	settings, changed, err := d.settle(ctx, serverFlag)
	if err != nil {
		return err
	}
	d.settings = settings

	base, err := url.Parse(settings.ServerURL)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	policy, err := cfg.TrustPolicy(base.Hostname())
	if err != nil {
		return err
	}
	d.trust, err = security.NewScopedTransport(policy)
	if err != nil {
		return fmt.Errorf("trust policy: %w", err)
	}

	client, err := backend.New(settings.ServerURL,
		backend.WithTransport(d.trust, cfg.Server.RequestTimeout.Std()),
		backend.WithPaths(cfg.Server.APIPath, cfg.Server.DisplayPath, cfg.Server.HealthPath),
	)
	if err != nil {
		return err
	}

	sealer, err := security.LoadOrCreateSealer(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("token sealer: %w", err)
	}

	ids := identity.NewProvider(cfg.DataDir, d.log)
	d.reg = registration.New(client, ids, d.store, d.log,
		registration.WithSealer(sealer))

	if changed {
		d.log.Info().Str("server", settings.ServerURL).Msg("Server changed, clearing registration")
		if err := d.resetRegistration(ctx); err != nil {
			return err
		}
	}

	d.cache = cache.NewManager(client, d.store, d.store, cache.Options{
		MediaDir: cfg.MediaDir(),
		TTL:      cfg.Cache.TTL.Std(),
		MaxBytes: cfg.Cache.MaxSizeMB << 20,
	}, d.log)

	width := cfg.Display.Width
	if width <= 0 {
		width = identity.PrimaryWidth()
	}

	d.proxy, err = proxy.New(proxy.Options{
		Target:      client.BaseURL(),
		Transport:   d.trust,
		Passthrough: d.trust.Strict(),
		Renderer:    proxy.FitzRenderer{MaxScale: cfg.Display.MaxScale},
		Width:       width,
		JPEGQuality: cfg.Display.JPEGQuality,
		Timeout:     cfg.Server.RequestTimeout.Std(),
	}, d.log)
	if err != nil {
		return err
	}

	d.monitor = connectivity.NewMonitor(d.link, connectivity.HealthProber{Checker: client},
		cfg.Connectivity.Interval.Std(), d.log)

	d.hub = overlay.NewHub(d.log)
	d.hub.PublishSettings(protocol.Settings{
		KioskMode:      settings.KioskMode,
		ScreenAlwaysOn: settings.ScreenAlwaysOn,
		ServerURL:      settings.ServerURL,
	})

	displayPath := cfg.Server.DisplayPath
	d.session = session.New(d.reg, d.proxy, d.cache, d.proxy, d.monitor, d.hub, session.Options{
		ContentPath: func(identifier string) string {
			if identifier == "" {
				return displayPath
			}
			return displayPath + "?id=" + url.QueryEscape(identifier)
		},
		OfflinePath:    offlinePath,
		Policy:         cfg.ReconnectPolicy(),
		PendingPoll:    cfg.Polling.Pending.Std(),
		AuthorizedPoll: cfg.Polling.Authorized.Std(),
		HaltedPoll:     cfg.Polling.Halted.Std(),
		Heartbeat:      cfg.Polling.Heartbeat.Std(),
		SweepInterval:  cfg.Cache.SweepInterval.Std(),
		TTL:            cfg.Cache.TTL.Std(),
	}, d.log)
	d.hub.OnRetry(d.session.Retry)

	mux := http.NewServeMux()
	d.hub.Register(mux)
	mux.Handle("GET "+offlinePath, session.OfflineHandler(d.cache))
	mux.Handle("/", d.proxy)

	d.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if stats, err := d.cache.Stats(ctx); err == nil {
		d.log.Info().Str("cache", stats.String()).Msg("Offline cache")
	}
	return nil
}

// settle decides the server address. The -server flag wins, then the
// stored address, then the config file. Settings are seeded from config
// on first start and always written back.
func (d *Daemon) settle(ctx context.Context, serverFlag string) (store.Settings, bool, error) {
	stored, err := store.LoadSettings(ctx, d.store)
	if err != nil {
		return stored, false, fmt.Errorf("load settings: %w", err)
	}

	settings := stored
	if stored.ServerURL == "" {
		settings.KioskMode = d.cfg.Settings.KioskMode
		settings.ScreenAlwaysOn = d.cfg.Settings.ScreenAlwaysOn
	}

	raw := serverFlag
	if raw == "" {
		raw = stored.ServerURL
	}
	if raw == "" {
		raw = d.cfg.Server.URL
	}
	if raw == "" {
		return settings, false, errors.New("no server configured: pass -server or set server.url")
	}

	settings.ServerURL, err = config.NormalizeServerURL(raw)
	if err != nil {
		return settings, false, err
	}

	changed := stored.ServerURL != "" && stored.ServerURL != settings.ServerURL
	if err := store.SaveSettings(ctx, d.store, settings); err != nil {
		return settings, false, fmt.Errorf("save settings: %w", err)
	}
	return settings, changed, nil
}

// resetRegistration clears the state store and writes the settings back.
func (d *Daemon) resetRegistration(ctx context.Context) error {
	if err := d.reg.Reset(ctx); err != nil {
		return fmt.Errorf("reset registration: %w", err)
	}
	if err := store.SaveSettings(ctx, d.store, d.settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Run serves the local listener and drives the session until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	// The session reads the connectivity state once at start.
	d.monitor.Check(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.session.Run(gctx) })

	g.Go(func() error {
		d.log.Info().Str("addr", d.cfg.ListenAddr).Msg("Display listener started")
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.hub.Close()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(sctx)
	})

	err := g.Wait()
	d.log.Info().Msg("Kiosk shutting down")
	return err
}

// Reset forgets the registration and the offline cache. Identity and
// settings survive.
func (d *Daemon) Reset(ctx context.Context) error {
	if err := d.resetRegistration(ctx); err != nil {
		return err
	}
	if err := d.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Close releases connections and the store.
func (d *Daemon) Close() {
	if d.session != nil {
		d.session.Close()
	}
	if d.trust != nil {
		d.trust.CloseIdleConnections()
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Closing store")
	}
}
