// Package backend is the HTTP client for the kiosk content server.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avaropoint/kiosk/internal/protocol"
	"github.com/avaropoint/kiosk/internal/version"
)

const (
	defaultAPIPath     = "/api"
	defaultDisplayPath = "/public/display.html"
	defaultHealthPath  = "/api/health"
	defaultTimeout     = 15 * time.Second

	maxBodyBytes = 8 << 20
)

// Client talks to one kiosk server.
type Client struct {
	base        *url.URL
	apiPath     string
	displayPath string
	healthPath  string
	http        *http.Client
	userAgent   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTransport sets the round tripper and request timeout.
func WithTransport(rt http.RoundTripper, timeout time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Transport: rt, Timeout: timeout} }
}

// WithPaths overrides the API prefix, display page and health endpoint paths.
// Empty values keep the defaults.
func WithPaths(apiPath, displayPath, healthPath string) Option {
	return func(c *Client) {
		if apiPath != "" {
			c.apiPath = apiPath
		}
		if displayPath != "" {
			c.displayPath = displayPath
		}
		if healthPath != "" {
			c.healthPath = healthPath
		}
	}
}

// New creates a Client for baseURL (scheme and host, optional path prefix).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing host", baseURL)
	}

	c := &Client{
		base:        u,
		apiPath:     defaultAPIPath,
		displayPath: defaultDisplayPath,
		healthPath:  defaultHealthPath,
		http:        &http.Client{Timeout: defaultTimeout},
		userAgent:   version.UserAgent(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Host returns the server hostname without port.
func (c *Client) Host() string { return c.base.Hostname() }

// DisplayURL is the live content page, bound to identifier when set.
func (c *Client) DisplayURL(identifier string) string {
	u := c.base.JoinPath(c.displayPath)
	if identifier != "" {
		q := url.Values{}
		q.Set("id", identifier)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Register sends the device identity to the registration endpoint.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/devices/register"), "", req, &out); err != nil {
		return nil, err
	}
	if out.DeviceToken == "" || out.AuthorizationStatus == "" {
		return nil, fmt.Errorf("%w: registration response missing token or status", ErrMalformedResponse)
	}
	return &out, nil
}

// Status fetches the device authorization status.
func (c *Client) Status(ctx context.Context, token string) (*protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/devices/status"), token, nil, &out); err != nil {
		return nil, err
	}
	if out.AuthorizationStatus == "" {
		return nil, fmt.Errorf("%w: status response missing authorizationStatus", ErrMalformedResponse)
	}
	return &out, nil
}

// Heartbeat reports liveness and returns the current status.
func (c *Client) Heartbeat(ctx context.Context, token string, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var out protocol.HeartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/devices/heartbeat"), token, req, &out); err != nil {
		return nil, err
	}
	if out.AuthorizationStatus == "" {
		return nil, fmt.Errorf("%w: heartbeat response missing authorizationStatus", ErrMalformedResponse)
	}
	return &out, nil
}

// Posts returns the public content list as raw JSON objects.
func (c *Client) Posts(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/public/posts"), "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health probes the health endpoint. Any non-2xx answer is a *ServerError.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, c.base.JoinPath(c.healthPath).String(), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode/100 != 2 {
		return &ServerError{Code: resp.StatusCode}
	}
	return nil
}

// Download fetches an absolute or server-relative URL. The caller closes the body.
func (c *Client) Download(ctx context.Context, rawURL string) (*http.Response, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse media url: %w", err)
	}

	resp, err := c.send(ctx, http.MethodGet, c.base.ResolveReference(ref).String(), "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close() //nolint:errcheck
		return nil, &ServerError{Code: resp.StatusCode}
	}
	return resp, nil
}

func (c *Client) apiURL(path string) string {
	return c.base.JoinPath(c.apiPath, path).String()
}

func (c *Client) send(ctx context.Context, method, target, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, WrapNetwork(err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, target, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	resp, err := c.send(ctx, method, target, token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return WrapNetwork(err)
	}

	if resp.StatusCode/100 != 2 {
		return serverError(resp.StatusCode, data)
	}

	return decodeEnvelope(data, out)
}

// decodeEnvelope unwraps {"success":..,"data":..} when present and decodes
// the body directly otherwise.
func decodeEnvelope(data []byte, out any) error {
	var probe struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if probe.Success != nil && !*probe.Success {
			return fmt.Errorf("%w: success=false: %s", ErrMalformedResponse, probe.Message)
		}
		if probe.Data != nil {
			trimmed = probe.Data
		}
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func serverError(code int, body []byte) *ServerError {
	se := &ServerError{Code: code}

	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Data    struct {
			AuthorizationStatus string `json:"authorizationStatus"`
		} `json:"data"`
		AuthorizationStatus string `json:"authorizationStatus"`
	}
	if json.Unmarshal(body, &env) == nil {
		se.Message = env.Message
		if se.Message == "" {
			se.Message = env.Error
		}
		se.AuthorizationStatus = env.Data.AuthorizationStatus
		if se.AuthorizationStatus == "" {
			se.AuthorizationStatus = env.AuthorizationStatus
		}
	}
	return se
}
