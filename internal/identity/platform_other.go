//go:build !linux && !darwin && !windows

package identity

import "runtime"

func platformModel() string { return "" }

func platformOSVersion() string { return runtime.GOOS }

func platformDisplays() []Display { return nil }
