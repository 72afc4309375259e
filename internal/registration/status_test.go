package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in    string
		want  AuthorizationStatus
		known bool
	}{
		{"pending", StatusPending, true},
		{"Authorized", StatusAuthorized, true},
		{"approved", StatusAuthorized, true},
		{"rejected", StatusRejected, true},
		{"revoked", StatusRevoked, true},
		{"", StatusUnregistered, true},
		{"suspended", StatusError, false},
	}

	for _, tt := range tests {
		got, known := ParseStatus(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.known, known, tt.in)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]AuthorizationStatus{
		{StatusUnregistered, StatusPending},
		{StatusUnregistered, StatusAuthorized},
		{StatusPending, StatusAuthorized},
		{StatusPending, StatusRejected},
		{StatusAuthorized, StatusRevoked},
		{StatusAuthorized, StatusError},
		{StatusError, StatusPending},
		{StatusRevoked, StatusPending},
		{StatusRejected, StatusPending},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]AuthorizationStatus{
		{StatusAuthorized, StatusPending},
		{StatusAuthorized, StatusUnregistered},
		{StatusPending, StatusUnregistered},
		{StatusPending, StatusRevoked},
		{StatusRejected, StatusRevoked},
		{StatusUnregistered, StatusRevoked},
		{StatusRevoked, StatusAuthorized},
		{StatusRejected, StatusAuthorized},
		{StatusError, StatusAuthorized},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestHalted(t *testing.T) {
	assert.False(t, StatusAuthorized.Halted())
	assert.False(t, StatusError.Halted())
	for _, s := range []AuthorizationStatus{StatusPending, StatusRejected, StatusRevoked, StatusUnregistered} {
		assert.True(t, s.Halted(), s)
	}
}

func TestTransitionError(t *testing.T) {
	var err error = &TransitionError{From: StatusRevoked, To: StatusAuthorized}

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "invalid authorization transition: revoked -> authorized", err.Error())
}
