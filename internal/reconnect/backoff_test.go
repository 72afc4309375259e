package reconnect

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSequence(t *testing.T) {
	b := NewBackoff(DefaultPolicy())

	want := []time.Duration{3, 6, 12, 24, 48, 60, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.OnFailure(), "failure %d", i)
	}
	assert.Equal(t, uint(len(want)), b.State().Attempt)
}

func TestDelayNonDecreasingAndCapped(t *testing.T) {
	b := NewBackoff(DefaultPolicy())

	prev := time.Duration(0)
	for i := 0; i < 500; i++ {
		d := b.OnFailure()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60*time.Second)
		assert.LessOrEqual(t, b.State().NextDelay, 60*time.Second)
		prev = d
	}
}

func TestResetFromAnyAttempt(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		b := NewBackoff(DefaultPolicy())
		n := r.Intn(100)
		for j := 0; j < n; j++ {
			b.OnFailure()
		}

		if i%2 == 0 {
			b.OnSuccess()
		} else {
			b.OnConnectivityRestored()
		}
		assert.Equal(t, State{Attempt: 0, NextDelay: 3 * time.Second}, b.State())
	}
}

func TestRestoreMidBackoff(t *testing.T) {
	b := NewBackoff(DefaultPolicy())
	b.OnFailure()
	b.OnFailure()
	assert.Equal(t, State{Attempt: 2, NextDelay: 12 * time.Second}, b.State())

	b.OnConnectivityRestored()
	assert.Equal(t, State{Attempt: 0, NextDelay: 3 * time.Second}, b.State())
}

func TestPolicyNormalisation(t *testing.T) {
	b := NewBackoff(Policy{Initial: 5 * time.Second, Max: time.Second, Multiplier: 0.5})
	assert.Equal(t, 5*time.Second, b.OnFailure())
	assert.Equal(t, 5*time.Second, b.OnFailure())
}
