//go:build linux

package identity

import (
	"os"
	"os/exec"
	"strings"
)

// platformModel prefers the device-tree model (ARM boards) over DMI.
func platformModel() string {
	for _, path := range []string{
		"/sys/firmware/devicetree/base/model",
		"/sys/class/dmi/id/product_name",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if m := strings.TrimSpace(strings.TrimRight(string(data), "\x00")); m != "" {
			return m
		}
	}
	return ""
}

// platformOSVersion reads /etc/os-release for a friendly name.
func platformOSVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "Linux"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return "Linux"
}

func platformDisplays() []Display {
	out, err := exec.Command("xrandr", "--query").Output()
	if err != nil {
		return nil
	}
	return parseXrandr(string(out))
}
