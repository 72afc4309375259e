// Package identity derives a stable fingerprint for the kiosk device.
package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/avaropoint/kiosk/internal/logger"
)

// fallbackFile holds the generated serial when the platform has no host id.
// It lives beside the database, outside the resettable state store.
const fallbackFile = "device-id"

// Placeholder MAC reported by sandboxed platforms; treated as absent.
const placeholderMAC = "02:00:00:00:00:00"

// Identity is the device fingerprint sent on registration.
type Identity struct {
	Serial    string `json:"serial"`
	MAC       string `json:"mac,omitempty"`
	Model     string `json:"model"`
	OSVersion string `json:"osVersion"`
}

// Interface is the subset of NIC data used to pick a MAC address.
type Interface struct {
	Name         string
	HardwareAddr string
	Flags        []string
}

// Provider computes the Identity once and returns the same value afterwards.
type Provider struct {
	dataDir string
	log     logger.Logger

	hostID     func(ctx context.Context) (string, error)
	hostInfo   func(ctx context.Context) (platform, version string, err error)
	interfaces func(ctx context.Context) ([]Interface, error)
	model      func() string

	mu     sync.Mutex
	cached *Identity
}

// NewProvider returns a Provider that persists its fallback serial in dataDir.
func NewProvider(dataDir string, log logger.Logger) *Provider {
	return &Provider{
		dataDir:    dataDir,
		log:        log.WithComponent("identity"),
		hostID:     host.HostIDWithContext,
		hostInfo:   gopsutilHostInfo,
		interfaces: gopsutilInterfaces,
		model:      platformModel,
	}
}

// Identity returns the device fingerprint. It never fails: missing pieces
// are filled with fallbacks and a missing MAC is simply empty.
func (p *Provider) Identity(ctx context.Context) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return *p.cached
	}

	id := Identity{
		Serial:    p.serial(ctx),
		MAC:       p.mac(ctx),
		Model:     p.modelName(),
		OSVersion: p.osVersion(ctx),
	}
	p.cached = &id

	p.log.Info().
		Str("serial", id.Serial).
		Str("mac", id.MAC).
		Str("model", id.Model).
		Str("os", id.OSVersion).
		Msg("Device identity resolved")

	return id
}

func (p *Provider) serial(ctx context.Context) string {
	if p.hostID != nil {
		if id, err := p.hostID(ctx); err == nil {
			if id = strings.TrimSpace(id); id != "" {
				return id
			}
		} else {
			p.log.Debug().Err(err).Msg("Platform host id unavailable")
		}
	}
	return p.fallbackSerial()
}

// fallbackSerial reads the persisted serial, generating it on first use.
func (p *Provider) fallbackSerial() string {
	path := filepath.Join(p.dataDir, fallbackFile)

	if data, err := os.ReadFile(path); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		p.log.Warn().Err(err).Str("path", path).Msg("Reading fallback serial failed")
	}

	s := "KIOSK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err := os.WriteFile(path, []byte(s+"\n"), 0600); err != nil {
		p.log.Warn().Err(err).Str("path", path).Msg("Persisting fallback serial failed")
	}
	return s
}

func (p *Provider) mac(ctx context.Context) string {
	if p.interfaces == nil {
		return ""
	}
	ifaces, err := p.interfaces(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("Listing interfaces failed")
		return ""
	}
	return PickMAC(ifaces)
}

func (p *Provider) modelName() string {
	if p.model != nil {
		if m := strings.TrimSpace(p.model()); m != "" {
			return m
		}
	}
	return "Generic " + runtime.GOOS + "/" + runtime.GOARCH
}

func (p *Provider) osVersion(ctx context.Context) string {
	if p.hostInfo != nil {
		if platform, ver, err := p.hostInfo(ctx); err == nil && platform != "" {
			return strings.TrimSpace(platform + " " + ver)
		}
	}
	return platformOSVersion()
}

// PickMAC returns the hardware address of the first up, non-loopback
// interface, ordered by name. Placeholder addresses are ignored.
func PickMAC(ifaces []Interface) string {
	sorted := append([]Interface(nil), ifaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, iface := range sorted {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		mac := strings.ToUpper(strings.TrimSpace(iface.HardwareAddr))
		if mac == "" || strings.EqualFold(mac, placeholderMAC) {
			continue
		}
		return mac
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func gopsutilHostInfo(ctx context.Context) (string, string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", "", err
	}
	return info.Platform, info.PlatformVersion, nil
}

func gopsutilInterfaces(ctx context.Context) ([]Interface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		out = append(out, Interface{Name: s.Name, HardwareAddr: s.HardwareAddr, Flags: s.Flags})
	}
	return out, nil
}
