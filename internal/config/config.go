// Package config loads the daemon configuration: defaults, then an optional
// YAML file, then KIOSK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/reconnect"
	"github.com/avaropoint/kiosk/internal/security"
)

// Duration is a time.Duration written as a string ("10s", "5m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	DataDir      string             `yaml:"data_dir"`
	ListenAddr   string             `yaml:"listen_addr"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Polling      PollingConfig      `yaml:"polling"`
	Cache        CacheConfig        `yaml:"cache"`
	Display      DisplayConfig      `yaml:"display"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Settings     SettingsConfig     `yaml:"settings"`
	Log          logger.Config      `yaml:"log"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	URL            string    `yaml:"url"`
	APIPath        string    `yaml:"api_path"`
	DisplayPath    string    `yaml:"display_path"`
	HealthPath     string    `yaml:"health_path"`
	RequestTimeout Duration  `yaml:"request_timeout"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig selects how the server certificate is trusted.
type TLSConfig struct {
	Mode      string `yaml:"mode"`
	PinSHA256 string `yaml:"pin_sha256"`
}

// ReconnectConfig is the content reload backoff.
type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
}

// PollingConfig holds the authorization cadences.
type PollingConfig struct {
	Pending    Duration `yaml:"pending"`
	Authorized Duration `yaml:"authorized"`
	Halted     Duration `yaml:"halted"`
	Heartbeat  Duration `yaml:"heartbeat"`
}

// CacheConfig bounds the offline cache.
type CacheConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	MaxSizeMB     int64    `yaml:"max_size_mb"`
}

// DisplayConfig controls document rasterization. Width 0 means autodetect.
type DisplayConfig struct {
	Width       int     `yaml:"width"`
	MaxScale    float64 `yaml:"max_scale"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

// ConnectivityConfig sets the reachability sampling interval.
type ConnectivityConfig struct {
	Interval Duration `yaml:"interval"`
}

// SettingsConfig seeds the device settings on first start.
type SettingsConfig struct {
	KioskMode      bool `yaml:"kiosk_mode"`
	ScreenAlwaysOn bool `yaml:"screen_always_on"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := reconnect.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			APIPath:        "/api",
			DisplayPath:    "/public/display.html",
			HealthPath:     "/api/health",
			RequestTimeout: Duration(15 * time.Second),
			TLS:            TLSConfig{Mode: security.TrustHost.String()},
		},
		DataDir:    defaultDataDir(),
		ListenAddr: "127.0.0.1:8787",
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(policy.Initial),
			MaxDelay:     Duration(policy.Max),
			Multiplier:   policy.Multiplier,
		},
		Polling: PollingConfig{
			Pending:    Duration(10 * time.Second),
			Authorized: Duration(5 * time.Minute),
			Halted:     Duration(10 * time.Second),
			Heartbeat:  Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(time.Hour),
			MaxSizeMB:     100,
		},
		Display: DisplayConfig{
			MaxScale:    3.0,
			JPEGQuality: 85,
		},
		Connectivity: ConnectivityConfig{Interval: Duration(15 * time.Second)},
		Settings:     SettingsConfig{KioskMode: true, ScreenAlwaysOn: true},
		Log:          logger.DefaultConfig(),
	}
}

// Load reads path (if non-empty and present), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIOSK_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("KIOSK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIOSK_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("KIOSK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("KIOSK_PIN_SHA256"); v != "" {
		c.Server.TLS.PinSHA256 = v
		c.Server.TLS.Mode = security.TrustPinned.String()
	}
}

// Validate checks the configuration. The server URL may be empty when it
// is already stored on the device.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.URL != "" {
		if _, err := NormalizeServerURL(c.Server.URL); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := security.ParseTrustMode(c.Server.TLS.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}

	if t := c.Server.RequestTimeout.Std(); t <= 0 || t > 2*time.Minute {
		errs = append(errs, fmt.Errorf("server.request_timeout %s out of range", t))
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, errors.New("reconnect: need 0 < initial_delay <= max_delay"))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}
	for name, d := range map[string]Duration{
		"polling.pending":       c.Polling.Pending,
		"polling.authorized":    c.Polling.Authorized,
		"polling.halted":        c.Polling.Halted,
		"polling.heartbeat":     c.Polling.Heartbeat,
		"cache.ttl":             c.Cache.TTL,
		"cache.sweep_interval":  c.Cache.SweepInterval,
		"connectivity.interval": c.Connectivity.Interval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Cache.MaxSizeMB < 0 {
		errs = append(errs, errors.New("cache.max_size_mb must not be negative"))
	}
	if c.Display.Width < 0 || c.Display.MaxScale <= 0 {
		errs = append(errs, errors.New("display: width must be >= 0 and max_scale > 0"))
	}
	if c.Display.JPEGQuality < 1 || c.Display.JPEGQuality > 100 {
		errs = append(errs, errors.New("display.jpeg_quality must be within 1..100"))
	}

	return errors.Join(errs...)
}

// ReconnectPolicy converts the reconnect section.
func (c *Config) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{
		Initial:    c.Reconnect.InitialDelay.Std(),
		Max:        c.Reconnect.MaxDelay.Std(),
		Multiplier: c.Reconnect.Multiplier,
	}
}

// TrustPolicy builds the TLS trust policy for host.
func (c *Config) TrustPolicy(host string) (security.TrustPolicy, error) {
	mode, err := security.ParseTrustMode(c.Server.TLS.Mode)
	if err != nil {
		return security.TrustPolicy{}, err
	}
	return security.TrustPolicy{Mode: mode, Host: host, PinSHA256: c.Server.TLS.PinSHA256}, nil
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "kiosk.db") }

// MediaDir is where cached media files live.
func (c *Config) MediaDir() string { return filepath.Join(c.DataDir, "media") }

// NormalizeServerURL validates a server address and strips any trailing
// slash. A bare host gets https://.
func NormalizeServerURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("server url is empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kiosk")
	}
	return ".kiosk"
}
