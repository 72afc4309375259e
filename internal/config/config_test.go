package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/kiosk/internal/security"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("KIOSK_LOG_LEVEL", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/api", cfg.Server.APIPath)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout.Std())
	assert.Equal(t, "trust-host", cfg.Server.TLS.Mode)
	assert.Equal(t, "127.0.0.1:8787", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Polling.Pending.Std())
	assert.Equal(t, 5*time.Minute, cfg.Polling.Authorized.Std())
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL.Std())

	p := cfg.ReconnectPolicy()
	assert.Equal(t, 3*time.Second, p.Initial)
	assert.Equal(t, 60*time.Second, p.Max)
	assert.InDelta(t, 2.0, p.Multiplier, 1e-9)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
server:
  url: https://kiosk.example.com/
  request_timeout: 20s
  tls:
    mode: strict
data_dir: /var/lib/kiosk
polling:
  authorized: 2m
cache:
  max_size_mb: 10
log:
  level: debug
`)
	t.Setenv("KIOSK_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("KIOSK_LOG_LEVEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://kiosk.example.com/", cfg.Server.URL)
	assert.Equal(t, 20*time.Second, cfg.Server.RequestTimeout.Std())
	assert.Equal(t, "strict", cfg.Server.TLS.Mode)
	assert.Equal(t, "/var/lib/kiosk", cfg.DataDir)
	assert.Equal(t, 2*time.Minute, cfg.Polling.Authorized.Std())
	assert.Equal(t, 10*time.Second, cfg.Polling.Pending.Std(), "unset keys keep defaults")
	assert.Equal(t, int64(10), cfg.Cache.MaxSizeMB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, filepath.Join("/var/lib/kiosk", "kiosk.db"), cfg.DBPath())
}

func TestPinFromEnvSelectsPinnedMode(t *testing.T) {
	pin := strings.Repeat("ab", 32)
	t.Setenv("KIOSK_PIN_SHA256", pin)

	cfg, err := Load("")
	require.NoError(t, err)

	p, err := cfg.TrustPolicy("kiosk.example.com")
	require.NoError(t, err)
	assert.Equal(t, security.TrustPinned, p.Mode)
	assert.Equal(t, pin, p.PinSHA256)
	assert.NoError(t, p.Validate())
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.ListenAddr)
}

func TestInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"bad duration": "polling:\n  pending: soon\n",
		"bad mode":     "server:\n  tls:\n    mode: yolo\n",
		"bad url":      "server:\n  url: ftp://x\n",
		"zero ttl":     "cache:\n  ttl: 0s\n",
		"bad quality":  "display:\n  jpeg_quality: 101\n",
		"bad listen":   "listen_addr: nope\n",
		"bad backoff":  "reconnect:\n  initial_delay: 10s\n  max_delay: 1s\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://kiosk.example.com/", "https://kiosk.example.com", false},
		{"kiosk.local:8443", "https://kiosk.local:8443", false},
		{" http://10.0.0.5/base/?x=1 ", "http://10.0.0.5/base", false},
		{"", "", true},
		{"ftp://kiosk", "", true},
		{"https://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeServerURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
