//go:build windows

package identity

import (
	"os/exec"
	"strings"
)

func powershell(cmd string) (string, error) {
	out, err := exec.Command("powershell", "-NoProfile", "-Command", cmd).Output()
	return strings.TrimSpace(string(out)), err
}

func platformModel() string {
	out, err := powershell("(Get-CimInstance Win32_ComputerSystem).Model")
	if err != nil {
		return ""
	}
	return out
}

// platformOSVersion reads the OS caption via PowerShell.
func platformOSVersion() string {
	out, err := powershell("(Get-CimInstance Win32_OperatingSystem).Caption")
	if err != nil || out == "" {
		return "Windows"
	}
	return out
}

func platformDisplays() []Display {
	out, err := powershell("Get-CimInstance Win32_VideoController | ForEach-Object { " +
		"\"$($_.CurrentHorizontalResolution) $($_.CurrentVerticalResolution)\" }")
	if err != nil {
		return nil
	}
	return parseWidthHeightLines(out)
}
