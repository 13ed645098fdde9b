package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosAndTiltFromIdle(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
	c := newSyncCoordinator(g, testOptions())

	require.NoError(t, c.PosAndTilt(50, 1200*time.Millisecond))
	settle(c)

	assert.Equal(t, MovingToPosition, c.state)
	assert.Equal(t, uint64(1), c.op.clock)
	assert.Equal(t, []call{{callStatus, nil}, {callMoveToPosition, 50}}, g.Calls())

	notify(c, cover.EventClosing)
	assert.Equal(t, MovingToPosition, c.state)

	notify(c, cover.EventStopped)
	assert.Equal(t, Tilting2, c.state, "moved down by 30, closed reference is known")
	assert.Equal(t, call{callMoveOpen, 1200 * time.Millisecond}, g.Calls()[2])

	notify(c, cover.EventStopped)
	assert.Equal(t, Idle, c.state)
	assert.Nil(t, c.op)
	assert.Len(t, g.Calls(), 3)
}

func TestPosAndTiltWithoutMovementHistory(t *testing.T) {
	opts := testOptions()
	opts.DirectionOptimization = false
	g := newFakeGateway(cover.Status{CurrentPos: 51, State: cover.StoppedState})
	c := newSyncCoordinator(g, opts)

	require.NoError(t, c.PosAndTilt(50, 1200*time.Millisecond))
	settle(c)

	assert.Equal(t, Tilting, c.state)
	assert.Equal(t, []call{
		{callStatus, nil},
		{callMoveClose, 1500 * time.Millisecond},
	}, g.Calls())

	notify(c, cover.EventStopped)
	assert.Equal(t, Tilting2, c.state)
	assert.Equal(t, call{callMoveOpen, 1200 * time.Millisecond}, g.Calls()[2])

	notify(c, cover.EventStopped)
	assert.Equal(t, Idle, c.state)
}

func TestAlreadyInPosition(t *testing.T) {
	for _, pos := range []int{49, 50, 51} {
		g := newFakeGateway(cover.Status{CurrentPos: pos, State: cover.StoppedState})
		c := newSyncCoordinator(g, testOptions())

		require.NoError(t, c.PosAndTilt(50, time.Second))
		settle(c)
		notify(c, cover.EventStopped)
		notify(c, cover.EventStopped)

		for _, call := range g.Calls() {
			assert.NotEqual(t, callMoveToPosition, call.method, "pos %d", pos)
		}
	}
}

func TestDirectionOptimization(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		opts     func(o *Options)
		expected []call
		state    State
	}{
		{
			name:     "moved down past threshold skips closing calibration",
			current:  53,
			expected: []call{{callStatus, nil}, {callMoveToPosition, 50}, {callMoveOpen, 1200 * time.Millisecond}},
			state:    Tilting2,
		},
		{
			name:     "moved up past threshold skips opening calibration",
			current:  45,
			expected: []call{{callStatus, nil}, {callMoveToPosition, 50}, {callMoveClose, 250 * time.Millisecond}},
			state:    Tilting2,
		},
		{
			name:     "moved up a little calibrates to open reference",
			current:  48,
			expected: []call{{callStatus, nil}, {callMoveToPosition, 50}, {callMoveOpen, 1500 * time.Millisecond}},
			state:    TiltingUpwards,
		},
		{
			name:     "moved up a little without optimization calibrates to closed reference",
			current:  45,
			opts:     func(o *Options) { o.DirectionOptimization = false },
			expected: []call{{callStatus, nil}, {callMoveToPosition, 50}, {callMoveClose, 1500 * time.Millisecond}},
			state:    Tilting,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			if tc.opts != nil {
				tc.opts(&opts)
			}
			g := newFakeGateway(cover.Status{CurrentPos: tc.current, State: cover.StoppedState})
			c := newSyncCoordinator(g, opts)

			require.NoError(t, c.PosAndTilt(50, 1200*time.Millisecond))
			settle(c)
			notify(c, cover.EventStopped)

			assert.Equal(t, tc.expected, g.Calls())
			assert.Equal(t, tc.state, c.state)
		})
	}
}

func TestMovementDiffFromStatus(t *testing.T) {
	tests := []struct {
		diff     int
		state    State
		expected *call
	}{
		{diff: 3, state: Tilting2, expected: &call{callMoveOpen, 1200 * time.Millisecond}},
		{diff: 2, state: Tilting2, expected: &call{callMoveOpen, 1200 * time.Millisecond}},
		{diff: 1, state: Tilting, expected: &call{callMoveClose, 1500 * time.Millisecond}},
		{diff: 0, state: Tilting, expected: &call{callMoveClose, 1500 * time.Millisecond}},
		{diff: -1, state: TiltingUpwards, expected: &call{callMoveOpen, 1500 * time.Millisecond}},
		{diff: -3, state: TiltingUpwards, expected: &call{callMoveOpen, 1500 * time.Millisecond}},
		{diff: -4, state: Tilting2, expected: &call{callMoveClose, 250 * time.Millisecond}},
		{diff: -5, state: Tilting2, expected: &call{callMoveClose, 250 * time.Millisecond}},
	}

	for _, tc := range tests {
		g := newFakeGateway(cover.Status{})
		c := newSyncCoordinator(g, testOptions())
		c.status = &cover.Status{CurrentPos: 50 + tc.diff, State: cover.StoppedState}
		c.transition(MovingToPosition, &operation{target: intPtr(50), tilt: 1200 * time.Millisecond, clock: c.clock.tick()})

		c.run()
		settle(c)

		assert.Equal(t, tc.state, c.state, "diff %d", tc.diff)
		require.Len(t, g.Calls(), 1, "diff %d", tc.diff)
		assert.Equal(t, *tc.expected, g.Calls()[0], "diff %d", tc.diff)
	}
}

func TestZeroTiltNeverPulses(t *testing.T) {
	t.Run("tilt", func(t *testing.T) {
		g := newFakeGateway(cover.Status{CurrentPos: 40, State: cover.StoppedState})
		c := newSyncCoordinator(g, testOptions())

		require.NoError(t, c.Tilt(0))
		settle(c)
		assert.Equal(t, Tilting, c.state)

		notify(c, cover.EventStopped)
		assert.Equal(t, Idle, c.state)
		assert.Equal(t, []call{{callStatus, nil}, {callMoveClose, 1500 * time.Millisecond}}, g.Calls())
	})

	t.Run("position and tilt", func(t *testing.T) {
		g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
		c := newSyncCoordinator(g, testOptions())

		require.NoError(t, c.PosAndTilt(20, 0))
		settle(c)
		notify(c, cover.EventStopped)

		assert.Equal(t, Idle, c.state)
		assert.Equal(t, []call{{callStatus, nil}, {callMoveToPosition, 20}}, g.Calls())
	})

	t.Run("under threshold", func(t *testing.T) {
		g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
		c := newSyncCoordinator(g, testOptions())

		require.NoError(t, c.PosAndTilt(20, 49*time.Millisecond))
		settle(c)
		notify(c, cover.EventStopped)

		assert.Equal(t, Idle, c.state)
		assert.Len(t, g.Calls(), 2)
	})
}

func TestTiltFromOpenReferenceUnderThreshold(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 20, State: cover.StoppedState})
	c := newSyncCoordinator(g, testOptions())

	require.NoError(t, c.PosAndTilt(80, 1500*time.Millisecond))
	settle(c)
	notify(c, cover.EventStopped)

	assert.Equal(t, Idle, c.state, "recomputed tilt is zero")
	assert.Equal(t, []call{{callStatus, nil}, {callMoveToPosition, 80}}, g.Calls())
}

func TestStaleEventIsIgnored(t *testing.T) {
	g := newFakeGateway(cover.Status{})
	c := newSyncCoordinator(g, testOptions())

	c.clock.tick()
	op := &operation{target: intPtr(50), tilt: time.Second, clock: c.clock.current()}
	c.transition(Tilting, op)
	c.clock.tick()

	notify(c, cover.EventStopped)
	notify(c, cover.EventOpened)
	notify(c, cover.EventClosed)

	assert.Equal(t, Tilting, c.state)
	assert.Same(t, op, c.op)
	assert.Equal(t, uint64(1), op.clock)
	assert.Empty(t, g.Calls())
}

func TestStaleCommandFailureIsIgnored(t *testing.T) {
	g := newFakeGateway(cover.Status{})
	c := newSyncCoordinator(g, testOptions())

	c.clock.tick()
	c.transition(Tilting2, &operation{tilt: time.Second, clock: c.clock.tick()})

	c.handle(commandMsg{clock: 1, command: "tilt", err: errors.New("boom")})

	assert.Equal(t, Tilting2, c.state)
	assert.Empty(t, c.snapshot().LastError)
}

func TestNewRequestStopsActiveOperation(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
	c := newSyncCoordinator(g, testOptions())

	require.NoError(t, c.PosAndTilt(50, time.Second))
	settle(c)
	notify(c, cover.EventClosing)

	g.setStatus(cover.Status{CurrentPos: 65, State: cover.ClosingState})
	require.NoError(t, c.PosAndTilt(20, 0))
	settle(c)

	assert.Equal(t, Stopping, c.state)
	assert.Equal(t, uint64(2), c.op.clock)
	assert.Equal(t, call{callStop, nil}, g.Calls()[3])

	notify(c, cover.EventStopped)
	assert.Equal(t, MovingToPosition, c.state)
	assert.Equal(t, call{callMoveToPosition, 20}, g.Calls()[4])

	notify(c, cover.EventStopped)
	assert.Equal(t, Idle, c.state)
	assert.Len(t, g.Calls(), 5)
}

func TestUnobservedMovementIsStopped(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 30, State: cover.StoppedState})
	c := newSyncCoordinator(g, testOptions())

	notify(c, cover.EventOpening)
	require.NoError(t, c.Tilt(time.Second))
	settle(c)

	assert.Equal(t, Stopping, c.state)
	assert.Equal(t, []call{{callStatus, nil}, {callStop, nil}}, g.Calls())

	notify(c, cover.EventStopped)
	assert.Equal(t, Tilting, c.state)
	assert.Equal(t, call{callMoveClose, 1500 * time.Millisecond}, g.Calls()[2])
}

func TestStopOnIdleCoverDoesNotWaitForNotification(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 100, State: cover.OpenState})
	c := newSyncCoordinator(g, testOptions())

	notify(c, cover.EventOpening)
	require.NoError(t, c.PosAndTilt(100, 1500*time.Millisecond))
	settle(c)

	assert.Equal(t, Tilting, c.state)
	assert.Equal(t, []call{
		{callStatus, nil},
		{callStop, nil},
		{callMoveClose, 1500 * time.Millisecond},
	}, g.Calls())
}

func TestFailedStopIsTreatedAsStopped(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
	g.fail(callStop, errors.New("not moving"))
	c := newSyncCoordinator(g, testOptions())

	notify(c, cover.EventClosing)
	require.NoError(t, c.PosAndTilt(20, time.Second))
	settle(c)

	assert.Equal(t, MovingToPosition, c.state)
	assert.Equal(t, []call{
		{callStatus, nil},
		{callStop, nil},
		{callMoveToPosition, 20},
	}, g.Calls())
}

func TestMotorFailureAbortsOperation(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
	g.fail(callMoveToPosition, errors.New("overheated"))
	c := newSyncCoordinator(g, testOptions())

	require.NoError(t, c.PosAndTilt(50, time.Second))
	settle(c)

	assert.Equal(t, Idle, c.state)
	assert.Nil(t, c.op)
	assert.Contains(t, c.snapshot().LastError, "overheated")

	notify(c, cover.EventStopped)
	assert.Equal(t, Idle, c.state)
	assert.Len(t, g.Calls(), 2)
}

func TestMissingStatusTakesSafeBranch(t *testing.T) {
	g := newFakeGateway(cover.Status{})
	g.fail(callStatus, errors.New("timeout"))
	c := newSyncCoordinator(g, testOptions())

	require.NoError(t, c.PosAndTilt(50, time.Second))
	settle(c)
	assert.Nil(t, c.status)
	assert.Equal(t, MovingToPosition, c.state)

	notify(c, cover.EventStopped)
	assert.Equal(t, Tilting, c.state)
	assert.Equal(t, []call{
		{callStatus, nil},
		{callMoveToPosition, 50},
		{callMoveClose, 1500 * time.Millisecond},
	}, g.Calls())
}

func TestInvalidRequests(t *testing.T) {
	c := newSyncCoordinator(newFakeGateway(cover.Status{}), testOptions())

	assert.Error(t, c.PosAndTilt(-1, 0))
	assert.Error(t, c.PosAndTilt(101, 0))
	assert.Error(t, c.PosAndTilt(50, -time.Second))
	assert.Error(t, c.Tilt(-time.Millisecond))
	assert.Empty(t, c.mailbox)
}

func TestTransitionKeepsIdleWithoutOperation(t *testing.T) {
	c := newSyncCoordinator(newFakeGateway(cover.Status{}), testOptions())

	var seen []Snapshot
	c.OnTransition(func(s Snapshot) { seen = append(seen, s) })

	c.transition(Idle, &operation{tilt: time.Second})
	assert.Equal(t, Idle, c.state)
	assert.Nil(t, c.op)

	c.transition(Tilting, nil)
	assert.Equal(t, Idle, c.state)
	assert.Nil(t, c.op)

	c.transition(Stopping, newPosAndTiltOperation(30, time.Second))
	assert.Equal(t, Stopping, c.state)
	assert.NotNil(t, c.op)

	require.Len(t, seen, 3)
	assert.Equal(t, Stopping, seen[2].State)
	assert.Equal(t, 30, *seen[2].Target)
	assert.Equal(t, 1.0, seen[2].Tilt)
}

func TestRun(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
	events := &fakeEvents{}
	c := New("test", g, events, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, c.Run(ctx))
		close(stopped)
	}()

	require.Eventually(t, events.subscribed, time.Second, time.Millisecond)
	require.NoError(t, c.PosAndTilt(50, 1200*time.Millisecond))

	waitForCalls := func(n int) {
		require.Eventually(t, func() bool { return len(g.Calls()) == n }, time.Second, time.Millisecond)
	}

	waitForCalls(2)
	events.emit(cover.EventStopped)
	waitForCalls(3)
	assert.Equal(t, call{callMoveOpen, 1200 * time.Millisecond}, g.Calls()[2])

	events.emit(cover.EventStopped)
	require.Eventually(t, func() bool {
		s, err := c.Snapshot(ctx)
		return err == nil && s.State == Idle
	}, time.Second, time.Millisecond)

	s, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", s.Name)
	assert.Equal(t, uint64(1), s.Clock)
	assert.Equal(t, 80, s.Status.CurrentPos)

	cancel()
	<-stopped
	assert.False(t, events.subscribed())

	_, err = c.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopCancelsOperation(t *testing.T) {
	g := newFakeGateway(cover.Status{CurrentPos: 80, State: cover.StoppedState})
	c := newSyncCoordinator(g, testOptions())

	require.NoError(t, c.PosAndTilt(50, time.Second))
	settle(c)
	require.Equal(t, MovingToPosition, c.state)

	c.Stop()
	settle(c)

	assert.Equal(t, Idle, c.state)
	assert.Equal(t, uint64(2), c.clock.current())
	assert.Equal(t, call{callStop, nil}, g.Calls()[2])

	notify(c, cover.EventStopped)
	assert.Equal(t, Idle, c.state)
	assert.Len(t, g.Calls(), 3)
}
