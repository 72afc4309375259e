package identity

import (
	"strconv"
	"strings"
)

// Display is one connected screen.
type Display struct {
	Width  int
	Height int
}

// PrimaryWidth returns the width of the first detected display, or 0.
func PrimaryWidth() int {
	displays := platformDisplays()
	if len(displays) == 0 {
		return 0
	}
	return displays[0].Width
}

// parseXrandr reads `xrandr --query` output.
func parseXrandr(out string) []Display {
	var displays []Display
	for _, line := range strings.Split(out, "\n") {
		// Lines like: "DP-1 connected primary 2560x1440+0+0 ..."
		if !strings.Contains(line, " connected") {
			continue
		}
		for _, f := range strings.Fields(line) {
			if w, h, ok := parseXrandrRes(f); ok {
				displays = append(displays, Display{Width: w, Height: h})
				break
			}
		}
	}
	return displays
}

// parseXrandrRes parses a "WxH+X+Y" token from xrandr output.
func parseXrandrRes(s string) (int, int, bool) {
	xIdx := strings.Index(s, "x")
	pIdx := strings.Index(s, "+")
	if xIdx < 1 || pIdx < 1 || pIdx <= xIdx {
		return 0, 0, false
	}
	w, errW := strconv.Atoi(s[:xIdx])
	h, errH := strconv.Atoi(s[xIdx+1 : pIdx])
	if errW != nil || errH != nil {
		return 0, 0, false
	}
	return w, h, true
}

// parseSystemProfiler reads `system_profiler SPDisplaysDataType` output.
func parseSystemProfiler(out string) []Display {
	var displays []Display
	for _, line := range strings.Split(out, "\n") {
		l := strings.TrimSpace(line)
		// "Resolution: 2560 x 1440 (QHD/WQHD)" or "Resolution: 3456 x 2234 Retina"
		if !strings.HasPrefix(l, "Resolution:") {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(l, "Resolution:")), " x ", 2)
		if len(parts) != 2 {
			continue
		}
		hs := strings.Fields(parts[1])
		if len(hs) == 0 {
			continue
		}
		w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
		h, errH := strconv.Atoi(hs[0])
		if errW != nil || errH != nil || w == 0 || h == 0 {
			continue
		}
		displays = append(displays, Display{Width: w, Height: h})
	}
	return displays
}

// parseWidthHeightLines reads "W H" pairs, one per line.
func parseWidthHeightLines(out string) []Display {
	var displays []Display
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		w, errW := strconv.Atoi(fields[0])
		h, errH := strconv.Atoi(fields[1])
		if errW != nil || errH != nil || w == 0 || h == 0 {
			continue
		}
		displays = append(displays, Display{Width: w, Height: h})
	}
	return displays
}
