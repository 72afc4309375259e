package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/kiosk/internal/logger"
)

func newTestProvider(dir string) *Provider {
	p := NewProvider(dir, logger.NewTestLogger())
	p.hostID = func(context.Context) (string, error) { return "", errors.New("unavailable") }
	p.hostInfo = func(context.Context) (string, string, error) { return "debian", "12.5", nil }
	p.interfaces = func(context.Context) ([]Interface, error) { return nil, nil }
	p.model = func() string { return "Raspberry Pi 4 Model B" }
	return p
}

func TestFallbackSerialIsPersisted(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestProvider(dir).Identity(ctx)
	require.True(t, strings.HasPrefix(first.Serial, "KIOSK-"))

	data, err := os.ReadFile(filepath.Join(dir, fallbackFile))
	require.NoError(t, err)
	assert.Equal(t, first.Serial, strings.TrimSpace(string(data)))

	second := newTestProvider(dir).Identity(ctx)
	assert.Equal(t, first.Serial, second.Serial)
}

func TestPlatformSerialPreferred(t *testing.T) {
	dir := t.TempDir()
	p := newTestProvider(dir)
	p.hostID = func(context.Context) (string, error) { return " 4c4c4544-0031 \n", nil }

	id := p.Identity(context.Background())
	assert.Equal(t, "4c4c4544-0031", id.Serial)

	_, err := os.Stat(filepath.Join(dir, fallbackFile))
	assert.True(t, os.IsNotExist(err))
}

func TestIdentityIsDeterministic(t *testing.T) {
	p := newTestProvider(t.TempDir())
	calls := 0
	p.interfaces = func(context.Context) ([]Interface, error) {
		calls++
		return []Interface{{Name: "eth0", HardwareAddr: "b8:27:eb:00:00:01", Flags: []string{"up"}}}, nil
	}

	a := p.Identity(context.Background())
	b := p.Identity(context.Background())

	assert.Equal(t, a, b)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "B8:27:EB:00:00:01", a.MAC)
	assert.Equal(t, "Raspberry Pi 4 Model B", a.Model)
	assert.Equal(t, "debian 12.5", a.OSVersion)
}

func TestMissingPiecesAreNotErrors(t *testing.T) {
	p := newTestProvider(t.TempDir())
	p.interfaces = func(context.Context) ([]Interface, error) { return nil, errors.New("denied") }
	p.model = func() string { return "" }

	id := p.Identity(context.Background())
	assert.Empty(t, id.MAC)
	assert.True(t, strings.HasPrefix(id.Model, "Generic "))
}

func TestPickMAC(t *testing.T) {
	tests := []struct {
		name   string
		ifaces []Interface
		want   string
	}{
		{"none", nil, ""},
		{"loopback skipped", []Interface{{Name: "lo", HardwareAddr: "00:00:00:00:00:01", Flags: []string{"up", "loopback"}}}, ""},
		{"down skipped", []Interface{{Name: "eth0", HardwareAddr: "aa:bb:cc:dd:ee:ff", Flags: []string{"broadcast"}}}, ""},
		{"placeholder skipped", []Interface{{Name: "wlan0", HardwareAddr: placeholderMAC, Flags: []string{"up"}}}, ""},
		{"ordered by name", []Interface{
			{Name: "wlan0", HardwareAddr: "11:11:11:11:11:11", Flags: []string{"up"}},
			{Name: "eth0", HardwareAddr: "22:22:22:22:22:22", Flags: []string{"up"}},
		}, "22:22:22:22:22:22"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PickMAC(tt.ifaces))
		})
	}
}
