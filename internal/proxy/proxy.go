// Package proxy serves the live display page to the local renderer. Requests
// for the configured server host are re-issued through the scoped trust
// transport, documents are replaced by rasterized pages and HTML is rewritten
// so its sub-resources keep flowing through the proxy. Other hosts pass
// through a strictly verifying transport.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/version"
)

const (
	defaultWidth       = 1920
	defaultQuality     = 85
	defaultTimeout     = 15 * time.Second
	defaultMaxDocument = 64 << 20
	maxHTMLRewrite     = 8 << 20

	// HeaderPages is set on substitute pages to the number of rendered pages.
	HeaderPages = "X-Kiosk-Pages"

	awaitingAuthorization = "awaiting authorization\n"
)

// ErrDocumentRender is returned by renderers that cannot rasterize a
// document. The proxy never surfaces it; the original response is served instead.
var ErrDocumentRender = errors.New("document render failed")

// Options configures a Proxy.
type Options struct {
	// Target is the server base URL.
	Target *url.URL
	// Transport carries requests for the server host.
	Transport http.RoundTripper
	// Passthrough carries requests for every other host.
	Passthrough http.RoundTripper
	Renderer    DocumentRenderer
	// Width is the display width in pixels that pages are fitted to.
	Width       int
	JPEGQuality int
	// MaxDocumentBytes bounds documents that are buffered for rendering.
	MaxDocumentBytes int64
	// Timeout bounds Load.
	Timeout time.Duration
}

// Proxy is both the local http.Handler and the http.RoundTripper used for
// content loads.
type Proxy struct {
	target      *url.URL
	server      http.RoundTripper
	passthrough http.RoundTripper
	renderer    DocumentRenderer
	width       int
	quality     int
	maxDocument int64
	timeout     time.Duration
	log         logger.Logger

	suspended atomic.Bool
	rp        *httputil.ReverseProxy
}

// New creates a Proxy.
func New(opts Options, log logger.Logger) (*Proxy, error) {
	if opts.Target == nil || opts.Target.Host == "" {
		return nil, errors.New("proxy target must be an absolute URL")
	}
	if opts.Transport == nil {
		return nil, errors.New("proxy transport is required")
	}
	if opts.Passthrough == nil {
		opts.Passthrough = http.DefaultTransport
	}
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaultQuality
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = defaultMaxDocument
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	p := &Proxy{
		target:      opts.Target,
		server:      opts.Transport,
		passthrough: opts.Passthrough,
		renderer:    opts.Renderer,
		width:       opts.Width,
		quality:     opts.JPEGQuality,
		maxDocument: opts.MaxDocumentBytes,
		timeout:     opts.Timeout,
		log:         log.WithComponent("proxy"),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      p,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
	}
	return p, nil
}

// Suspend makes every request for the server host answer 403 until Resume.
func (p *Proxy) Suspend() {
	if !p.suspended.Swap(true) {
		p.log.Warn().Msg("Content suspended, awaiting authorization")
	}
}

// Resume lifts a Suspend.
func (p *Proxy) Resume() {
	if p.suspended.Swap(false) {
		p.log.Info().Msg("Content resumed")
	}
}

// Suspended reports whether content is currently withheld.
func (p *Proxy) Suspended() bool { return p.suspended.Load() }

// ServeHTTP proxies origin-form requests to the server and absolute-form
// requests to their own host.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT not supported", http.StatusMethodNotAllowed)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	if !pr.In.URL.IsAbs() {
		pr.SetURL(p.target)
	}
	// Bodies are rewritten, so ask for them uncompressed.
	pr.Out.Header.Del("Accept-Encoding")
	pr.Out.Header.Set("User-Agent", version.UserAgent())
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Proxied request failed")
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

// RoundTrip implements http.RoundTripper. Requests for the server host use
// the scoped transport and get document substitution; all others go
// through the passthrough transport untouched.
func (p *Proxy) RoundTrip(req *http.Request) (*http.Response, error) {
	if !p.intercepts(req.URL) {
		return p.passthrough.RoundTrip(req)
	}
	if p.suspended.Load() {
		return denied(req), nil
	}

	resp, err := p.server.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodGet && resp.StatusCode == http.StatusOK && IsDocument(req.URL) && p.renderer != nil {
		return p.substitute(req.Context(), resp)
	}
	return resp, nil
}

// Load fetches rawURL, resolved against the server base, and reports
// whether it could be displayed. Transport failures wrap
// backend.ErrNetwork; HTTP errors are *backend.ServerError.
func (p *Proxy) Load(ctx context.Context, rawURL string) error {
	u, err := p.resolve(rawURL)
	if err != nil {
		return fmt.Errorf("parse content url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.RoundTrip(req)
	if err != nil {
		return backend.WrapNetwork(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)); err != nil {
		return backend.WrapNetwork(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &backend.ServerError{Code: resp.StatusCode}
	}
	return nil
}

// resolve maps an origin-relative URL onto the server the way the
// reverse proxy does, keeping the server's base path.
func (p *Proxy) resolve(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	u := *p.target
	u.Path = strings.TrimRight(p.target.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return &u, nil
}

func (p *Proxy) intercepts(u *url.URL) bool {
	return strings.EqualFold(u.Host, p.target.Host)
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if resp.Request == nil || !p.intercepts(resp.Request.URL) {
		return nil
	}
	if resp.Header.Get(HeaderPages) != "" || resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	if !strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		return nil
	}
	if resp.ContentLength > maxHTMLRewrite {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTMLRewrite+1))
	resp.Body.Close() //nolint:errcheck
	if err != nil {
		return err
	}
	if int64(len(data)) > maxHTMLRewrite {
		setBody(resp, data)
		return nil
	}

	out, err := RewriteHTML(data, p.target.Host, p.target.Path)
	if err != nil {
		p.log.Debug().Err(err).Str("url", resp.Request.URL.String()).Msg("HTML rewrite failed, serving original")
		out = data
	}
	setBody(resp, out)
	return nil
}

// substitute replaces a document response with a page of rendered images.
// Any failure returns the original response.
func (p *Proxy) substitute(ctx context.Context, resp *http.Response) (*http.Response, error) {
	if resp.ContentLength > p.maxDocument {
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxDocument+1))
	if err != nil {
		resp.Body.Close() //nolint:errcheck
		return nil, err
	}
	if int64(len(data)) > p.maxDocument {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close() //nolint:errcheck

	ref := resp.Request.URL.String()

	start := time.Now()
	pages, err := p.renderer.Render(ctx, data, p.width)
	if err == nil && len(pages) == 0 {
		err = fmt.Errorf("%w: no pages", ErrDocumentRender)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("url", ref).Msg("Document render failed, serving original")
		setBody(resp, data)
		return resp, nil
	}

	page, err := BuildPage(pages, documentTitle(resp.Request.URL), p.width, p.quality)
	if err != nil {
		p.log.Warn().Err(err).Str("url", ref).Msg("Building document page failed, serving original")
		setBody(resp, data)
		return resp, nil
	}

	p.log.Debug().Str("url", ref).Int("pages", len(pages)).Dur("took", time.Since(start)).Msg("Document rasterized")

	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	header.Set(HeaderPages, strconv.Itoa(len(pages)))

	out := &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      resp.Proto,
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		Header:     header,
		Request:    resp.Request,
	}
	setBody(out, page)
	return out, nil
}

func setBody(resp *http.Response, data []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.Header.Set("Content-Length", strconv.Itoa(len(data)))
}

func denied(req *http.Request) *http.Response {
	resp := &http.Response{
		Status:     "403 Forbidden",
		StatusCode: http.StatusForbidden,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Request:    req,
	}
	setBody(resp, []byte(awaitingAuthorization))
	return resp
}
