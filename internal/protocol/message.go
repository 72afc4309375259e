// Package protocol defines the wire types shared between the kiosk daemon,
// the backend API and the overlay shell page.
package protocol

import (
	"encoding/json"
	"time"
)

// Overlay message types. TypeRetry flows from the shell page to the daemon.
const (
	TypeView     = "view"
	TypeSettings = "settings"
	TypeRetry    = "retry"
)

// Message is the envelope for all WebSocket messages sent to the shell page.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a Message of the given type.
func NewMessage(typ string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: raw}, nil
}

// ViewState is the top-level state shown by the overlay.
type ViewState string

const (
	ViewLoading      ViewState = "loading"
	ViewReady        ViewState = "ready"
	ViewError        ViewState = "error"
	ViewOffline      ViewState = "offline"
	ViewUnauthorized ViewState = "unauthorized"
)

// View is what the overlay renders. ContentPath is an origin-relative
// URL for the content frame; empty means no content is shown.
type View struct {
	State         ViewState `json:"state"`
	Title         string    `json:"title,omitempty"`
	Message       string    `json:"message,omitempty"`
	ContentPath   string    `json:"contentPath,omitempty"`
	RetryAt       time.Time `json:"retryAt,omitzero"`
	RetryIn       int       `json:"retryIn,omitempty"` // seconds
	Attempt       uint      `json:"attempt,omitempty"`
	Online        bool      `json:"online"`
	Authorization string    `json:"authorization,omitempty"`
}

// Settings mirrors the device settings exposed to the shell page.
type Settings struct {
	KioskMode      bool   `json:"kioskMode"`
	ScreenAlwaysOn bool   `json:"screenAlwaysOn"`
	ServerURL      string `json:"serverUrl"`
}
