// Package registration owns the device registration handshake and the
// authorization state machine. Results are written to the state store;
// responses that arrive after a reset are discarded.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/identity"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/protocol"
	"github.com/avaropoint/kiosk/internal/store"
	"github.com/avaropoint/kiosk/internal/version"
)

var (
	// ErrNotRegistered is returned when no device token exists.
	ErrNotRegistered = errors.New("device is not registered")
	// ErrInvalidTransition is returned when the backend reports a status the
	// current state cannot move to. The stored status is left unchanged.
	ErrInvalidTransition = errors.New("invalid authorization transition")
	// ErrStaleResponse is returned for responses to requests issued before a reset.
	ErrStaleResponse = errors.New("response belongs to a previous registration")
)

// API is the backend surface used by the client.
type API interface {
	Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error)
	Status(ctx context.Context, token string) (*protocol.StatusResponse, error)
	Heartbeat(ctx context.Context, token string, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
}

// IdentitySource provides the device fingerprint.
type IdentitySource interface {
	Identity(ctx context.Context) identity.Identity
}

// TokenSealer protects the token at rest.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Registration is the persisted credential record.
type Registration struct {
	Token             string
	Status            AuthorizationStatus
	DisplayID         *int64
	DisplayIdentifier string
}

// Registered reports whether a token is present.
func (r Registration) Registered() bool { return r.Token != "" }

// Client performs registration, status polling and heartbeats.
type Client struct {
	api    API
	ids    IdentitySource
	state  store.StateStore
	sealer TokenSealer
	log    logger.Logger

	// mu serializes store updates so the epoch check and write are atomic.
	mu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithSealer encrypts the device token before it is stored.
func WithSealer(s TokenSealer) Option {
	return func(c *Client) { c.sealer = s }
}

// New creates a registration client.
func New(api API, ids IdentitySource, state store.StateStore, log logger.Logger, opts ...Option) *Client {
	c := &Client{
		api:   api,
		ids:   ids,
		state: state,
		log:   log.WithComponent("registration"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Current returns the stored registration.
func (c *Client) Current(ctx context.Context) (Registration, error) {
	var reg Registration

	sealed, _, err := c.state.Get(ctx, store.KeyDeviceToken)
	if err != nil {
		return reg, err
	}
	if sealed != "" {
		tok, err := c.openToken(sealed)
		if err != nil {
			// An unreadable token is treated as absent; a new registration replaces it.
			c.log.Warn().Err(err).Msg("Stored device token could not be opened")
		} else {
			reg.Token = tok
		}
	}

	raw, _, err := c.state.Get(ctx, store.KeyAuthStatus)
	if err != nil {
		return reg, err
	}
	reg.Status, _ = ParseStatus(raw)
	if reg.Token == "" {
		reg.Status = StatusUnregistered
	}

	if v, ok, _ := c.state.Get(ctx, store.KeyDisplayID); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			reg.DisplayID = &n
		}
	}
	reg.DisplayIdentifier, _, _ = c.state.Get(ctx, store.KeyDisplayIdentifier)

	return reg, nil
}

// Register sends the device identity and stores the returned token and
// status unconditionally. It does not retry.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	epoch, err := store.Epoch(ctx, c.state)
	if err != nil {
		return Registration{}, err
	}

	id := c.ids.Identity(ctx)
	resp, err := c.api.Register(ctx, protocol.RegisterRequest{
		SerialNumber:    id.Serial,
		MACAddress:      id.MAC,
		DeviceModel:     id.Model,
		DeviceOSVersion: id.OSVersion,
		AppVersion:      version.Version,
	})
	if err != nil {
		return Registration{}, err
	}

	status, known := ParseStatus(resp.AuthorizationStatus)
	if !known {
		c.log.Warn().Str("status", resp.AuthorizationStatus).Msg("Unknown authorization status from registration")
	}
	if status == StatusUnregistered {
		return Registration{}, fmt.Errorf("%w: registration returned empty status", backend.ErrMalformedResponse)
	}

	reg := Registration{
		Token:             resp.DeviceToken,
		Status:            status,
		DisplayID:         resp.DisplayID,
		DisplayIdentifier: resp.DisplayIdentifier,
	}

	sealed, err := c.sealToken(reg.Token)
	if err != nil {
		return Registration{}, fmt.Errorf("seal token: %w", err)
	}

	values := map[string]string{
		store.KeyDeviceToken:       sealed,
		store.KeyAuthStatus:        string(reg.Status),
		store.KeyDisplayIdentifier: reg.DisplayIdentifier,
		store.KeyDisplayID:         "",
	}
	if reg.DisplayID != nil {
		values[store.KeyDisplayID] = strconv.FormatInt(*reg.DisplayID, 10)
	}

	if err := c.commit(ctx, epoch, values); err != nil {
		return Registration{}, err
	}

	c.log.Info().Str("status", string(reg.Status)).Str("display", reg.DisplayIdentifier).Msg("Device registered")
	return reg, nil
}

// CheckStatus polls the backend and stores the new status and display binding.
func (c *Client) CheckStatus(ctx context.Context) (AuthorizationStatus, error) {
	epoch, cur, err := c.begin(ctx)
	if err != nil {
		return StatusUnregistered, err
	}

	resp, err := c.api.Status(ctx, cur.Token)
	if err != nil {
		return c.fromServerError(ctx, epoch, cur, err)
	}

	status, known := ParseStatus(resp.AuthorizationStatus)
	if !known {
		c.log.Warn().Str("status", resp.AuthorizationStatus).Msg("Unknown authorization status")
	}

	values := map[string]string{}
	if resp.DisplayIdentifier != "" {
		values[store.KeyDisplayIdentifier] = resp.DisplayIdentifier
	}
	if resp.DisplayID != nil {
		values[store.KeyDisplayID] = strconv.FormatInt(*resp.DisplayID, 10)
	}
	return c.apply(ctx, epoch, cur.Status, status, values)
}

// SendHeartbeat reports liveness. The returned status is stored as a side effect.
func (c *Client) SendHeartbeat(ctx context.Context) (AuthorizationStatus, error) {
	epoch, cur, err := c.begin(ctx)
	if err != nil {
		return StatusUnregistered, err
	}

	resp, err := c.api.Heartbeat(ctx, cur.Token, protocol.HeartbeatRequest{AppVersion: version.Version})
	if err != nil {
		return c.fromServerError(ctx, epoch, cur, err)
	}

	status, known := ParseStatus(resp.AuthorizationStatus)
	if !known {
		c.log.Warn().Str("status", resp.AuthorizationStatus).Msg("Unknown authorization status in heartbeat")
	}
	return c.apply(ctx, epoch, cur.Status, status, nil)
}

// Reset clears the registration and every other persisted value.
// Responses to requests issued before the reset are discarded.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.Clear(ctx); err != nil {
		return fmt.Errorf("reset registration: %w", err)
	}
	c.log.Info().Msg("Registration reset")
	return nil
}

func (c *Client) begin(ctx context.Context) (uint64, Registration, error) {
	epoch, err := store.Epoch(ctx, c.state)
	if err != nil {
		return 0, Registration{}, err
	}
	cur, err := c.Current(ctx)
	if err != nil {
		return 0, Registration{}, err
	}
	if !cur.Registered() {
		return 0, cur, ErrNotRegistered
	}
	return epoch, cur, nil
}

// fromServerError applies a status carried in an error body (e.g. 403 with
// "revoked") and otherwise returns the error unchanged.
func (c *Client) fromServerError(ctx context.Context, epoch uint64, cur Registration, err error) (AuthorizationStatus, error) {
	var se *backend.ServerError
	if errors.As(err, &se) && se.AuthorizationStatus != "" {
		if status, known := ParseStatus(se.AuthorizationStatus); known && status != StatusUnregistered {
			return c.apply(ctx, epoch, cur.Status, status, nil)
		}
	}
	return cur.Status, err
}

func (c *Client) apply(ctx context.Context, epoch uint64, from, to AuthorizationStatus, extra map[string]string) (AuthorizationStatus, error) {
	if !CanTransition(from, to) {
		c.log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("Ignoring invalid authorization transition")
		return from, &TransitionError{From: from, To: to}
	}

	values := map[string]string{store.KeyAuthStatus: string(to)}
	for k, v := range extra {
		values[k] = v
	}
	if err := c.commit(ctx, epoch, values); err != nil {
		return from, err
	}

	if from != to {
		c.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Authorization status changed")
	}
	return to, nil
}

// commit writes values only if no reset happened since epoch was read.
func (c *Client) commit(ctx context.Context, epoch uint64, values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now, err := store.Epoch(ctx, c.state)
	if err != nil {
		return err
	}
	if now != epoch {
		c.log.Debug().Uint64("issued", epoch).Uint64("current", now).Msg("Dropping stale response")
		return ErrStaleResponse
	}
	return c.state.PutMany(ctx, values)
}

func (c *Client) sealToken(tok string) (string, error) {
	if c.sealer == nil {
		return tok, nil
	}
	return c.sealer.Seal(tok)
}

func (c *Client) openToken(v string) (string, error) {
	if c.sealer == nil {
		return v, nil
	}
	return c.sealer.Open(v)
}
