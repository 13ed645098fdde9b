package coordinator

import (
	"context"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/clock"
	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/jkaflik/blinds2mqtt/internal/cover/tilt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMinMovement is how far (in percent) the cover has to travel in one
	// direction for the slat angle to be known.
	DefaultMinMovement = 2

	mailboxSize = 64
)

var ErrStopped = errors.New("coordinator is not running")

type Options struct {
	Calibration tilt.Calibration
	MinMovement int
	// DirectionOptimization lets an upward move finish from the open
	// reference state instead of always calibrating downwards.
	DirectionOptimization bool
	WatchdogWindow        time.Duration
	Clock                 clock.Clock
}

func DefaultOptions() Options {
	return Options{
		Calibration:           tilt.DefaultCalibration(),
		MinMovement:           DefaultMinMovement,
		DirectionOptimization: true,
		WatchdogWindow:        DefaultWatchdogWindow,
		Clock:                 clock.NewRealClock(),
	}
}

type TransitionHandler func(s Snapshot)

// Coordinator drives a cover to a position and a tilt angle. All state is
// owned by the Run loop; gateway calls run on their own goroutines and report
// back through the mailbox.
type Coordinator struct {
	name    string
	gateway cover.Gateway
	events  cover.EventSource
	opts    Options

	mailbox      chan message
	done         chan struct{}
	spawn        func(func())
	onTransition TransitionHandler

	ctx      context.Context
	state    State
	op       *operation
	status   *cover.Status
	clock    logicalClock
	watchdog *watchdog
	lastErr  error
}

func New(name string, gateway cover.Gateway, events cover.EventSource, opts Options) *Coordinator {
	if opts.MinMovement <= 0 {
		opts.MinMovement = DefaultMinMovement
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	return &Coordinator{
		name:     name,
		gateway:  gateway,
		events:   events,
		opts:     opts,
		mailbox:  make(chan message, mailboxSize),
		done:     make(chan struct{}),
		spawn:    func(f func()) { go f() },
		ctx:      context.Background(),
		state:    Idle,
		watchdog: newWatchdog(name, opts.Clock, opts.WatchdogWindow),
	}
}

func (c *Coordinator) Name() string {
	return c.name
}

func (c *Coordinator) Calibration() tilt.Calibration {
	return c.opts.Calibration
}

// OnTransition registers a handler called from the run loop after every
// state change. It has to be set before Run.
func (c *Coordinator) OnTransition(h TransitionHandler) {
	c.onTransition = h
}

// Run processes requests, gateway results and lifecycle notifications until
// ctx is done. The event source subscription lives as long as Run.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)

	unsubscribe := c.events.Subscribe(c.onEvent)
	defer unsubscribe()

	logrus.Infof("%s: coordinator started", c.name)
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("%s: coordinator stopped", c.name)
			return nil
		case msg := <-c.mailbox:
			c.handle(msg)
		}
	}
}

// Tilt tilts the slats at the current position. The duration is measured as
// an opening pulse from the closed reference state.
func (c *Coordinator) Tilt(duration time.Duration) error {
	if duration < 0 {
		return errors.Errorf("%s: tilt duration %s must not be negative", c.name, duration)
	}

	logrus.Infof("%s: tilt %s", c.name, duration)
	c.post(requestMsg{op: newTiltOperation(duration)})

	return nil
}

// PosAndTilt moves the cover to pos and tilts the slats afterwards.
func (c *Coordinator) PosAndTilt(pos int, duration time.Duration) error {
	if pos < 0 || pos > 100 {
		return errors.Errorf("%s: %d is out of range 0-100 position", c.name, pos)
	}
	if duration < 0 {
		return errors.Errorf("%s: tilt duration %s must not be negative", c.name, duration)
	}

	logrus.Infof("%s: position %d and tilt %s", c.name, pos, duration)
	c.post(requestMsg{op: newPosAndTiltOperation(pos, duration)})

	return nil
}

// Stop abandons the current operation, if any, and stops the cover.
func (c *Coordinator) Stop() {
	logrus.Infof("%s: stop", c.name)
	c.post(cancelMsg{})
}

// Snapshot returns the current state as seen by the run loop.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)

	select {
	case c.mailbox <- snapshotMsg{reply: reply}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.done:
		return Snapshot{}, ErrStopped
	}

	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.done:
		return Snapshot{}, ErrStopped
	}
}

func (c *Coordinator) onEvent(e cover.Event) {
	c.post(eventMsg{event: e})
}

func (c *Coordinator) post(msg message) {
	select {
	case c.mailbox <- msg:
	case <-c.done:
		logrus.Debugf("%s: coordinator not running, dropping %T", c.name, msg)
	}
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		Name:  c.name,
		State: c.state,
		Clock: c.clock.current(),
	}
	if c.op != nil {
		if c.op.target != nil {
			target := *c.op.target
			s.Target = &target
		}
		s.Tilt = c.op.tilt.Seconds()
	}
	if c.status != nil {
		st := *c.status
		s.Status = &st
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}

	return s
}

// transition is the only place state and operation change, so IDLE always
// goes together with no operation.
func (c *Coordinator) transition(s State, op *operation) {
	if s == Idle {
		op = nil
	} else if op == nil {
		logrus.Errorf("%s: refusing transition to %s without operation", c.name, s)
		s = Idle
	}

	c.state = s
	c.op = op
	logrus.Debugf("%s: state transition to %s with operation %s", c.name, c.state, c.op)

	if c.onTransition != nil {
		c.onTransition(c.snapshot())
	}
}
