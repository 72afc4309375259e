package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// captureClock returns a mock clock that records scheduled callbacks.
func captureClock(t *testing.T, ctrl *gomock.Controller) (*MockClock, *[]func()) {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	clock := NewMockClock(ctrl)
	clock.EXPECT().Now().Return(now).AnyTimes()

	var fns []func()
	clock.EXPECT().AfterFunc(gomock.Any(), gomock.Any()).DoAndReturn(func(_ time.Duration, f func()) Timer {
		fns = append(fns, f)
		timer := NewMockTimer(ctrl)
		timer.EXPECT().Stop().Return(true).AnyTimes()
		return timer
	}).AnyTimes()

	return clock, &fns
}

func TestScheduleRunsCallback(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := NewMockClock(ctrl)
	now := time.Unix(1_700_000_000, 0)
	clock.EXPECT().Now().Return(now)

	var fired func()
	clock.EXPECT().AfterFunc(12*time.Second, gomock.Any()).DoAndReturn(func(_ time.Duration, f func()) Timer {
		fired = f
		return NewMockTimer(ctrl)
	})

	s := NewScheduler(clock)
	calls := 0
	require.True(t, s.Schedule(12*time.Second, func() { calls++ }))

	due, ok := s.Pending()
	assert.True(t, ok)
	assert.Equal(t, now.Add(12*time.Second), due)

	fired()
	assert.Equal(t, 1, calls)

	_, ok = s.Pending()
	assert.False(t, ok)
}

func TestRescheduleSupersedesPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock, fns := captureClock(t, ctrl)

	s := NewScheduler(clock)
	var got []string
	s.Schedule(12*time.Second, func() { got = append(got, "old") })
	s.Schedule(0, func() { got = append(got, "new") })

	require.Len(t, *fns, 2)
	(*fns)[0]()
	(*fns)[1]()
	assert.Equal(t, []string{"new"}, got)
}

func TestCancelStopsTimer(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Now())

	timer := NewMockTimer(ctrl)
	timer.EXPECT().Stop().Return(true).Times(1)

	var fired func()
	clock.EXPECT().AfterFunc(gomock.Any(), gomock.Any()).DoAndReturn(func(_ time.Duration, f func()) Timer {
		fired = f
		return timer
	})

	s := NewScheduler(clock)
	called := false
	s.Schedule(time.Second, func() { called = true })
	s.Cancel()

	// A timer that already fired before Stop must still be ignored.
	fired()
	assert.False(t, called)
}

func TestCloseRejectsFurtherScheduling(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock, fns := captureClock(t, ctrl)

	s := NewScheduler(clock)
	called := false
	s.Schedule(time.Second, func() { called = true })
	s.Close()

	(*fns)[0]()
	assert.False(t, called)
	assert.False(t, s.Schedule(time.Second, func() { called = true }))
	assert.Len(t, *fns, 1)
}

func TestRealClockFires(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan struct{})
	s.Schedule(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not fire")
	}
}
