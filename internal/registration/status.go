package registration

import (
	"fmt"
	"strings"
)

// AuthorizationStatus is the device's standing with the backend.
type AuthorizationStatus string

const (
	StatusUnregistered AuthorizationStatus = "unregistered"
	StatusPending      AuthorizationStatus = "pending"
	StatusAuthorized   AuthorizationStatus = "authorized"
	StatusRejected     AuthorizationStatus = "rejected"
	StatusRevoked      AuthorizationStatus = "revoked"
	StatusError        AuthorizationStatus = "error"
)

// ParseStatus maps a wire status onto AuthorizationStatus. The second
// return is false for values the backend should never send.
func ParseStatus(s string) (AuthorizationStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, true
	case "authorized", "approved":
		return StatusAuthorized, true
	case "rejected":
		return StatusRejected, true
	case "revoked":
		return StatusRevoked, true
	case "error":
		return StatusError, true
	case "", "unregistered":
		return StatusUnregistered, true
	default:
		return StatusError, false
	}
}

// Halted reports whether content must stop in this status. A device in
// StatusError keeps whatever it was already allowed to show.
func (s AuthorizationStatus) Halted() bool {
	switch s {
	case StatusAuthorized, StatusError:
		return false
	}
	return true
}

// StatusAuthorized is only reachable from pending or a register result.
var transitions = map[AuthorizationStatus][]AuthorizationStatus{
	StatusUnregistered: {StatusPending, StatusAuthorized, StatusRejected, StatusError},
	StatusPending:      {StatusPending, StatusAuthorized, StatusRejected, StatusError},
	StatusAuthorized:   {StatusAuthorized, StatusRevoked, StatusError},
	StatusError:        {StatusPending, StatusRejected, StatusRevoked, StatusError},
	StatusRejected:     {StatusRejected, StatusPending},
	StatusRevoked:      {StatusRevoked, StatusPending},
}

// TransitionError carries a status change the table does not allow.
type TransitionError struct {
	From, To AuthorizationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CanTransition reports whether a status change observed through polling
// or heartbeat is allowed. Moving to unregistered is only possible through Reset.
func CanTransition(from, to AuthorizationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
