package proxy

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/security"
)

var pdfBytes = []byte("%PDF-1.4 fake document")

type fakeRenderer struct {
	pages int
	err   error
	width int
	calls atomic.Int32
}

func (f *fakeRenderer) Render(_ context.Context, data []byte, targetWidth int) ([]image.Image, error) {
	f.calls.Add(1)
	f.width = targetWidth
	if f.err != nil {
		return nil, f.err
	}
	out := make([]image.Image, f.pages)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 40, 20))
		img.Set(1, 1, color.RGBA{R: 255, A: 255})
		out[i] = img
	}
	return out, nil
}

type countingTransport struct {
	next  http.RoundTripper
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(req)
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/public/display.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, `<html><body><img src="`+srv.URL+`/uploads/a.png?v=1">`+
				`<a href="https://elsewhere.example/x">x</a></body></html>`)
		case "/docs/Report.PDF":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(pdfBytes)
		case "/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "ok "+r.URL.RequestURI())
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, srv *httptest.Server, r DocumentRenderer, passthrough http.RoundTripper) (*Proxy, *countingTransport) {
	t.Helper()

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	server := &countingTransport{next: srv.Client().Transport}
	p, err := New(Options{
		Target:      target,
		Transport:   server,
		Passthrough: passthrough,
		Renderer:    r,
		Width:       800,
	}, logger.NewTestLogger())
	require.NoError(t, err)
	return p, server
}

func serve(p *Proxy, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServeRewritesServerURLs(t *testing.T) {
	srv := newBackend(t)
	p, _ := newProxy(t, srv, nil, nil)

	rec := serve(p, "/public/display.html")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `src="/uploads/a.png?v=1"`)
	assert.NotContains(t, body, srv.URL)
	assert.Contains(t, body, `href="https://elsewhere.example/x"`)
}

func TestServeSubstitutesDocuments(t *testing.T) {
	srv := newBackend(t)
	r := &fakeRenderer{pages: 3}
	p, _ := newProxy(t, srv, r, nil)

	rec := serve(p, "/docs/Report.PDF?download=1")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "3", rec.Header().Get(HeaderPages))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, 3, strings.Count(rec.Body.String(), "data:image/jpeg;base64,"))
	assert.Contains(t, rec.Body.String(), "<title>Report.PDF</title>")
	assert.Equal(t, 800, r.width)
}

func TestServeFallsBackToOriginalDocument(t *testing.T) {
	srv := newBackend(t)
	r := &fakeRenderer{err: errors.New("corrupt")}
	p, _ := newProxy(t, srv, r, nil)

	rec := serve(p, "/docs/Report.PDF")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pdfBytes, rec.Body.Bytes())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get(HeaderPages))
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestServeEmptyRenderFallsBack(t *testing.T) {
	srv := newBackend(t)
	p, _ := newProxy(t, srv, &fakeRenderer{pages: 0}, nil)

	rec := serve(p, "/docs/Report.PDF")
	assert.Equal(t, pdfBytes, rec.Body.Bytes())
}

func TestSuspendWithholdsContent(t *testing.T) {
	srv := newBackend(t)
	p, server := newProxy(t, srv, nil, nil)

	p.Suspend()
	assert.True(t, p.Suspended())

	rec := serve(p, "/public/display.html")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "awaiting authorization")
	assert.Zero(t, server.calls.Load())

	err := p.Load(context.Background(), "/public/display.html")
	assert.Equal(t, http.StatusForbidden, backend.StatusCode(err))

	p.Resume()
	rec = serve(p, "/hello")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok /hello", rec.Body.String())
}

func TestOtherHostsPassThrough(t *testing.T) {
	srv := newBackend(t)
	other := newBackend(t)

	passthrough := &countingTransport{next: http.DefaultTransport}
	r := &fakeRenderer{pages: 1}
	p, server := newProxy(t, srv, r, passthrough)

	rec := serve(p, other.URL+"/docs/Report.PDF")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pdfBytes, rec.Body.Bytes())
	assert.Zero(t, r.calls.Load())
	assert.Zero(t, server.calls.Load())
	assert.Equal(t, int32(1), passthrough.calls.Load())
}

func TestLoad(t *testing.T) {
	srv := newBackend(t)
	p, _ := newProxy(t, srv, nil, nil)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, "/public/display.html?id=lobby"))

	err := p.Load(ctx, "/broken")
	var se *backend.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.False(t, backend.IsConnectivity(err))
}

func TestLoadUnreachable(t *testing.T) {
	srv := newBackend(t)
	p, _ := newProxy(t, srv, nil, nil)
	srv.Close()

	err := p.Load(context.Background(), "/public/display.html")
	require.ErrorIs(t, err, backend.ErrNetwork)
	assert.True(t, backend.IsConnectivity(err))
}

func TestTrustRelaxationScopedToServerHost(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure")
	})
	srv := httptest.NewTLSServer(handler)
	defer srv.Close()
	other := httptest.NewTLSServer(handler)
	defer other.Close()

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	scoped, err := security.NewScopedTransport(security.TrustPolicy{Mode: security.TrustHost, Host: target.Hostname()})
	require.NoError(t, err)
	defer scoped.CloseIdleConnections()

	p, err := New(Options{Target: target, Transport: scoped, Passthrough: scoped.Strict()}, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, p.Load(context.Background(), "/"))

	// Same certificate, different host name: verified normally and rejected.
	otherURL := strings.Replace(other.URL, "127.0.0.1", "localhost", 1)
	rec := serve(p, otherURL+"/")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{}, logger.NewTestLogger())
	assert.Error(t, err)

	_, err = New(Options{Target: &url.URL{Scheme: "https", Host: "x"}}, logger.NewTestLogger())
	assert.Error(t, err)
}
