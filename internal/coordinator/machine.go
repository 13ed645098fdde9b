package coordinator

import (
	"context"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/jkaflik/blinds2mqtt/internal/cover/tilt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type message interface{}

type requestMsg struct {
	op *operation
}

type statusMsg struct {
	op     *operation
	status cover.Status
	err    error
}

type stopMsg struct {
	clock uint64
	err   error
}

type commandMsg struct {
	clock   uint64
	command string
	err     error
}

type eventMsg struct {
	event cover.Event
}

type snapshotMsg struct {
	reply chan Snapshot
}

type cancelMsg struct{}

func (c *Coordinator) handle(msg message) {
	switch m := msg.(type) {
	case requestMsg:
		c.fetchStatus(m.op)
	case statusMsg:
		c.begin(m)
	case stopMsg:
		c.stopDone(m)
	case commandMsg:
		c.commandDone(m)
	case eventMsg:
		c.observe(m.event)
	case snapshotMsg:
		m.reply <- c.snapshot()
	case cancelMsg:
		c.cancel()
	default:
		logrus.Errorf("%s: unknown message %T", c.name, msg)
	}
}

func (c *Coordinator) fetchStatus(op *operation) {
	ctx := c.ctx
	c.spawn(func() {
		status, err := c.gateway.Status(ctx)
		c.post(statusMsg{op: op, status: status, err: err})
	})
}

func (c *Coordinator) begin(m statusMsg) {
	if m.err != nil {
		logrus.Warnf("%s: status fetch failed, continuing without status: %s", c.name, m.err)
		c.status = nil
	} else {
		status := m.status
		c.status = &status
		logrus.Debugf("%s: status %+v", c.name, status)
	}

	m.op.clock = c.clock.tick()

	if c.state != Idle || c.watchdog.active() {
		logrus.Infof("%s: active operation detected, stopping", c.name)
		c.transition(Stopping, m.op)
		c.stop(m.op.clock)
		return
	}

	c.transition(m.op.first(), m.op)
	c.run()
}

func (c *Coordinator) stop(clock uint64) {
	ctx := c.ctx
	c.spawn(func() {
		c.post(stopMsg{clock: clock, err: c.gateway.Stop(ctx)})
	})
}

// cancel abandons the operation in flight and stops the cover. Results of the
// abandoned operation are stale afterwards.
func (c *Coordinator) cancel() {
	clock := c.clock.tick()
	if c.op != nil {
		logrus.Infof("%s: operation %s canceled", c.name, c.op)
	}
	c.transition(Idle, nil)
	c.stop(clock)
}

func (c *Coordinator) stopDone(m stopMsg) {
	if c.state != Stopping || c.op == nil || c.op.clock != m.clock {
		if m.err != nil {
			logrus.Warnf("%s: stop failed: %s", c.name, m.err)
		}
		logrus.Debugf("%s: stop result for operation #%d no longer relevant", c.name, m.clock)
		return
	}

	if m.err != nil {
		logrus.Warnf("%s: stop failed, assuming already stopped: %s", c.name, m.err)
		c.transition(c.op.first(), c.op)
		c.run()
		return
	}

	if c.status != nil && c.status.Idle() {
		logrus.Debugf("%s: cover was %s, no stop notification will follow", c.name, c.status.State)
		c.run()
	}
}

func (c *Coordinator) command(op *operation, name string, f func(ctx context.Context) error) {
	ctx := c.ctx
	clock := op.clock
	c.spawn(func() {
		c.post(commandMsg{clock: clock, command: name, err: f(ctx)})
	})
}

func (c *Coordinator) commandDone(m commandMsg) {
	if m.err == nil {
		return
	}
	if m.clock != c.clock.current() {
		logrus.Debugf("%s: %s of superseded operation #%d failed: %s", c.name, m.command, m.clock, m.err)
		return
	}

	logrus.Errorf("%s: %s failed, aborting operation: %s", c.name, m.command, m.err)
	c.lastErr = errors.Wrapf(m.err, "%s", m.command)
	c.transition(Idle, nil)
}

func (c *Coordinator) observe(e cover.Event) {
	c.watchdog.observe(e)

	if e.Kind.Terminal() {
		c.run()
	}
}

// run advances the machine until it has to wait for the cover.
func (c *Coordinator) run() {
	for c.step() {
	}
}

// step performs one transition and reports whether the next one can follow
// right away.
func (c *Coordinator) step() bool {
	op := c.op
	if op == nil {
		return false
	}
	if op.clock < c.clock.current() {
		logrus.Debugf("%s: event for older operation %s, ignoring", c.name, op)
		return false
	}

	switch c.state {
	case Stopping:
		return c.goToPosition(op)
	case MovingToPosition:
		return c.goToReference(op)
	case Tilting:
		return c.tiltFromClosed(op)
	case TiltingUpwards:
		return c.tiltFromOpen(op)
	case Tilting2:
		c.transition(Idle, nil)
		logrus.Infof("%s: tilting done", c.name)
	}

	return false
}

func (c *Coordinator) goToPosition(op *operation) bool {
	if op.target == nil {
		c.transition(MovingToPosition, op)
		return true
	}

	target := *op.target
	if c.status != nil && abs(c.status.CurrentPos-target) <= 1 {
		logrus.Infof("%s: in position %d already", c.name, c.status.CurrentPos)
		c.transition(MovingToPosition, op)
		return true
	}

	logrus.Infof("%s: go to position %d", c.name, target)
	c.transition(MovingToPosition, op)
	c.command(op, "move to position", func(ctx context.Context) error {
		return c.gateway.MoveToPosition(ctx, target)
	})

	return false
}

// goToReference brings the slats into a state with a known angle, unless the
// movement to the position already did that.
func (c *Coordinator) goToReference(op *operation) bool {
	diff, known := c.movementDiff(op)
	threshold := c.opts.MinMovement
	optimize := c.opts.DirectionOptimization && known

	switch {
	case known && diff >= threshold:
		logrus.Infof("%s: moved down by %d, slats closed already", c.name, diff)
		c.transition(Tilting, op)
		return true
	case optimize && diff <= -2*threshold:
		logrus.Infof("%s: moved up by %d, slats open already", c.name, -diff)
		c.transition(TiltingUpwards, op)
		return true
	case optimize && diff < 0:
		logrus.Infof("%s: tilting to open reference", c.name)
		c.transition(TiltingUpwards, op)
		c.pulse(op, "open to reference", true, c.opts.Calibration.OpeningToKnown)
	default:
		logrus.Infof("%s: tilting to closed reference", c.name)
		c.transition(Tilting, op)
		c.pulse(op, "close to reference", false, c.opts.Calibration.ClosingToKnown)
	}

	return false
}

func (c *Coordinator) tiltFromClosed(op *operation) bool {
	c.transition(Tilting2, op)
	if op.tilt < tilt.MinPulse {
		logrus.Debugf("%s: tilt %s under threshold, skipping", c.name, op.tilt)
		return true
	}

	c.pulse(op, "tilt", true, op.tilt)
	return false
}

func (c *Coordinator) tiltFromOpen(op *operation) bool {
	d := c.opts.Calibration.Recompute(op.tilt)
	logrus.Infof("%s: optimizing by tilting down, original duration %s, recomputed %s", c.name, op.tilt, d)

	c.transition(Tilting2, op)
	if d < tilt.MinPulse {
		logrus.Debugf("%s: tilt %s under threshold, skipping", c.name, d)
		return true
	}

	c.pulse(op, "tilt down", false, d)
	return false
}

func (c *Coordinator) pulse(op *operation, name string, open bool, d time.Duration) {
	c.command(op, name, func(ctx context.Context) error {
		if open {
			return c.gateway.MoveOpen(ctx, d)
		}
		return c.gateway.MoveClose(ctx, d)
	})
}

// movementDiff is how far the cover was above the target when the operation
// started. Positive means it moved down.
func (c *Coordinator) movementDiff(op *operation) (int, bool) {
	if c.status == nil || op.target == nil {
		return 0, false
	}

	return c.status.CurrentPos - *op.target, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
