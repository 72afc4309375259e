package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNetwork wraps transport failures: DNS, dial, TLS handshake, timeouts.
	ErrNetwork = errors.New("network error")
	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// ServerError is a non-2xx answer from a reachable server.
type ServerError struct {
	Code int
	// AuthorizationStatus is set when the error body still reports a device status.
	AuthorizationStatus string
	Message             string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d %s", e.Code, http.StatusText(e.Code))
}

// WrapNetwork marks a transport error as ErrNetwork while keeping the cause.
func WrapNetwork(err error) error {
	if err == nil || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// IsConnectivity reports whether err means the server could not be reached:
// a host lookup failure, a failed connect, or a timeout.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusCode returns the HTTP status of a *ServerError, or 0.
func StatusCode(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
