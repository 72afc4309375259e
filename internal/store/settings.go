package store

import (
	"context"
	"strconv"
)

// Settings are the per-device preferences kept in the state store.
type Settings struct {
	ServerURL      string `json:"serverUrl"`
	KioskMode      bool   `json:"kioskMode"`
	ScreenAlwaysOn bool   `json:"screenAlwaysOn"`
}

// LoadSettings reads the device settings. Missing booleans default to true,
// matching a freshly provisioned kiosk.
func LoadSettings(ctx context.Context, s StateStore) (Settings, error) {
	var out Settings

	url, _, err := s.Get(ctx, KeyServerURL)
	if err != nil {
		return out, err
	}
	out.ServerURL = url

	if out.KioskMode, err = getBool(ctx, s, KeyKioskMode, true); err != nil {
		return out, err
	}
	if out.ScreenAlwaysOn, err = getBool(ctx, s, KeyScreenAlwaysOn, true); err != nil {
		return out, err
	}
	return out, nil
}

// SaveSettings writes all settings in one transaction.
func SaveSettings(ctx context.Context, s StateStore, in Settings) error {
	return s.PutMany(ctx, map[string]string{
		KeyServerURL:      in.ServerURL,
		KeyKioskMode:      strconv.FormatBool(in.KioskMode),
		KeyScreenAlwaysOn: strconv.FormatBool(in.ScreenAlwaysOn),
	})
}

// Epoch returns the current registration epoch.
func Epoch(ctx context.Context, s StateStore) (uint64, error) {
	v, ok, err := s.Get(ctx, KeyEpoch)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func getBool(ctx context.Context, s StateStore, key string, def bool) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, nil
	}
	return b, nil
}
