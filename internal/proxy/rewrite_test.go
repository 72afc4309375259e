package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteHTML(t *testing.T) {
	in := []byte(`<html><head><link href="https://kiosk.local:8443/css/a.css"></head><body>` +
		`<video poster="http://kiosk.local:8443/p.jpg"></video>` +
		`<form action="//kiosk.local:8443/submit?x=1"></form>` +
		`<img src="https://cdn.example/a.png">` +
		`<a href="https://kiosk.local:8443/page#top">a</a>` +
		`</body></html>`)

	out, err := RewriteHTML(in, "kiosk.local:8443", "")
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `href="/css/a.css"`)
	assert.Contains(t, s, `poster="/p.jpg"`)
	assert.Contains(t, s, `action="/submit?x=1"`)
	assert.Contains(t, s, `src="https://cdn.example/a.png"`)
	assert.Contains(t, s, `href="/page#top"`)
}

func TestRewriteHTMLUnchanged(t *testing.T) {
	in := []byte(`<p>nothing <a href="/rel">here</a></p>`)

	out, err := RewriteHTML(in, "kiosk.local", "")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLocalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"https://KIOSK.local/a/b?c=d", "/a/b?c=d", true},
		{"https://kiosk.local", "/", true},
		{"https://kiosk.local:9/a", "", false},
		{"mailto:x@kiosk.local", "", false},
		{"/already/relative", "", false},
	}
	for _, tt := range tests {
		got, ok := localize(tt.raw, "kiosk.local", "")
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestLocalizeStripsBasePath(t *testing.T) {
	got, ok := localize("https://kiosk.local/signage/uploads/a.png", "kiosk.local", "/signage")
	assert.True(t, ok)
	assert.Equal(t, "/uploads/a.png", got)

	_, ok = localize("https://kiosk.local/other/a.png", "kiosk.local", "/signage")
	assert.False(t, ok)
}
