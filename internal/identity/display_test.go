package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseXrandr(t *testing.T) {
	out := `Screen 0: minimum 320 x 200, current 3840 x 1080, maximum 16384 x 16384
HDMI-1 connected primary 1920x1080+0+0 (normal left inverted right x axis y axis) 531mm x 299mm
   1920x1080     60.00*+
DP-1 disconnected (normal left inverted right x axis y axis)
DP-2 connected 1920x1080+1920+0 (normal left inverted right x axis y axis) 527mm x 296mm`

	assert.Equal(t, []Display{{1920, 1080}, {1920, 1080}}, parseXrandr(out))
}

func TestParseXrandrRes(t *testing.T) {
	w, h, ok := parseXrandrRes("2560x1440+0+0")
	assert.True(t, ok)
	assert.Equal(t, 2560, w)
	assert.Equal(t, 1440, h)

	_, _, ok = parseXrandrRes("primary")
	assert.False(t, ok)
}

func TestParseSystemProfiler(t *testing.T) {
	out := `Graphics/Displays:
    Apple M2:
      Displays:
        Color LCD:
          Resolution: 3456 x 2234 Retina
        LG HDR 4K:
          Resolution: 3840 x 2160 (2160p/4K UHD 1 - Ultra High Definition)`

	assert.Equal(t, []Display{{3456, 2234}, {3840, 2160}}, parseSystemProfiler(out))
}

func TestParseWidthHeightLines(t *testing.T) {
	assert.Equal(t, []Display{{1280, 720}}, parseWidthHeightLines("1280 720\r\n \n0 0\n"))
}
