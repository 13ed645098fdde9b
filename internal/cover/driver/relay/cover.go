package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Cover drives a motor through a pair of relays. It has no position sensor,
// so the position is estimated from how long a relay was energized.
type Cover struct {
	rUp   Relay
	rDown Relay

	name              string
	fullOpenPosition  int
	fullClosePosition int
	timeToClose       time.Duration

	// cmd serializes commands, mu guards the fields below it.
	cmd sync.Mutex
	mu  sync.Mutex

	updateHandler cover.UpdateHandler
	handlers      map[int]cover.EventHandler
	nextHandler   int

	currentState    string
	currentPosition int

	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

var (
	_ cover.Actuator = (*Cover)(nil)
	_ cover.Reporter = (*Cover)(nil)
	_ cover.Restorer = (*Cover)(nil)
)

func NewCover(name string, up Relay, down Relay, fullOpenPosition int, fullClosePosition int, timeToClose time.Duration) *Cover {
	return &Cover{
		rUp:               up,
		rDown:             down,
		name:              name,
		fullOpenPosition:  fullOpenPosition,
		fullClosePosition: fullClosePosition,
		timeToClose:       timeToClose,
		handlers:          map[int]cover.EventHandler{},
		currentState:      cover.OpenState,
		currentPosition:   fullOpenPosition,
	}
}

func (s *Cover) Name() string {
	return s.name
}

func (s *Cover) ResetPosition(position int) error {
	if err := s.validate(position); err != nil {
		return err
	}

	s.mu.Lock()
	s.currentPosition = position
	s.currentState = s.restingState(position)
	s.mu.Unlock()

	logrus.Infof("%s: position reset to %d", s.name, position)
	return nil
}

func (s *Cover) OnUpdate(h cover.UpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateHandler = h
}

func (s *Cover) Subscribe(h cover.EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.handlers, id)
	}
}

func (s *Cover) Status(_ context.Context) (cover.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cover.Status{CurrentPos: s.currentPosition, State: s.currentState}, nil
}

func (s *Cover) MoveToPosition(ctx context.Context, targetPosition int) error {
	logrus.Infof("%s: set target position to %d", s.name, targetPosition)

	if err := s.validate(targetPosition); err != nil {
		return err
	}

	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.interrupt()

	s.mu.Lock()
	current := s.currentPosition
	s.mu.Unlock()

	if current == targetPosition {
		logrus.Debugf("%s: already on a position %d", s.name, targetPosition)
		s.emit(s.terminalEvent(targetPosition))
		return nil
	}

	diff := targetPosition - current
	if diff < 0 {
		diff = -diff
	}

	s.start(ctx, targetPosition, targetPosition > current, s.timeToMove(diff), true)
	return nil
}

func (s *Cover) MoveOpen(ctx context.Context, duration time.Duration) error {
	logrus.Infof("%s: open for %s", s.name, duration)

	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.interrupt()
	s.start(ctx, s.fullOpenPosition, true, duration, false)
	return nil
}

func (s *Cover) MoveClose(ctx context.Context, duration time.Duration) error {
	logrus.Infof("%s: close for %s", s.name, duration)

	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.interrupt()
	s.start(ctx, s.fullClosePosition, false, duration, false)
	return nil
}

func (s *Cover) Stop(_ context.Context) error {
	logrus.Infof("%s: stop", s.name)

	s.cmd.Lock()
	defer s.cmd.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	state := s.currentState
	s.mu.Unlock()

	if done != nil {
		cancel()
		<-done
		return nil
	}

	if state == cover.StoppedState {
		s.emit(cover.EventStopped)
	}

	return nil
}

// interrupt cancels the movement in progress without letting it report its
// end, and waits until its relay is released.
func (s *Cover) interrupt() {
	s.mu.Lock()
	s.generation++
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return
	}

	logrus.Debugf("%s: found previous operation context, cancel", s.name)
	cancel()
	<-done
}

// start must be called with cmd held and no movement in progress.
// The direction is explicit: a pulse against the end it already rests on
// still drives the motor that way.
func (s *Cover) start(parent context.Context, targetPosition int, opening bool, duration time.Duration, exact bool) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	from := s.currentPosition
	relay, state, event := s.rDown, cover.ClosingState, cover.EventClosing
	if opening {
		relay, state, event = s.rUp, cover.OpeningState, cover.EventOpening
	}
	s.currentState = state
	s.cancel, s.done = cancel, done
	m := &movement{
		generation: s.generation,
		relay:      relay,
		opening:    opening,
		from:       from,
		target:     targetPosition,
		duration:   duration,
		exact:      exact,
	}
	s.mu.Unlock()

	logrus.Debugf("%s: move from %d towards %d for %s", s.name, from, targetPosition, duration)
	s.publish()
	s.emit(event)

	go s.drive(ctx, done, m)
}

type movement struct {
	generation uint64
	relay      Relay
	opening    bool
	from       int
	target     int
	duration   time.Duration
	exact      bool
	started    time.Time
}

func (s *Cover) drive(ctx context.Context, done chan struct{}, m *movement) {
	defer close(done)

	m.started = time.Now()
	result := make(chan error, 1)
	go func() {
		result <- m.relay.EnableFor(ctx, m.duration)
	}()

	every := time.NewTicker(s.timeToMove(1))
	defer every.Stop()

	for {
		select {
		case err := <-result:
			s.finish(m, err)
			return
		case <-every.C:
			s.mu.Lock()
			s.currentPosition = s.positionAfter(m, time.Since(m.started))
			s.mu.Unlock()

			logrus.Tracef("%s: position estimate %d", s.name, s.Position())
			s.publish()
		}
	}
}

func (s *Cover) finish(m *movement, err error) {
	s.mu.Lock()
	switch {
	case err == nil && m.exact:
		s.currentPosition = m.target
	case err == nil:
		s.currentPosition = s.positionAfter(m, m.duration)
	default:
		s.currentPosition = s.positionAfter(m, time.Since(m.started))
	}
	position := s.currentPosition
	s.currentState = s.restingState(position)
	s.cancel, s.done = nil, nil
	current := m.generation == s.generation
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.Errorf("%s: enable relay error: %s", s.name, err)
	}

	logrus.Infof("%s: updated state %s, position %d", s.name, s.State(), position)
	s.publish()

	if current {
		s.emit(s.terminalEvent(position))
	}
}

// positionAfter must be called with mu held.
func (s *Cover) positionAfter(m *movement, elapsed time.Duration) int {
	span := s.fullOpenPosition - s.fullClosePosition
	moved := int(int64(elapsed) * int64(span) / int64(s.timeToClose))

	if m.opening {
		if p := m.from + moved; p < m.target {
			return p
		}
		return m.target
	}

	if p := m.from - moved; p > m.target {
		return p
	}
	return m.target
}

func (s *Cover) timeToMove(diff int) time.Duration {
	return s.timeToClose * time.Duration(diff) / time.Duration(s.fullOpenPosition-s.fullClosePosition)
}

func (s *Cover) restingState(position int) string {
	switch position {
	case s.fullOpenPosition:
		return cover.OpenState
	case s.fullClosePosition:
		return cover.ClosedState
	default:
		return cover.StoppedState
	}
}

func (s *Cover) terminalEvent(position int) cover.EventKind {
	switch position {
	case s.fullOpenPosition:
		return cover.EventOpened
	case s.fullClosePosition:
		return cover.EventClosed
	default:
		return cover.EventStopped
	}
}

func (s *Cover) validate(position int) error {
	if position > s.fullOpenPosition || position < s.fullClosePosition {
		return errors.Errorf(
			"%s: %d is out of range open/close position for (%d/%d)",
			s.name,
			position,
			s.fullOpenPosition,
			s.fullClosePosition,
		)
	}

	return nil
}

func (s *Cover) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentPosition
}

func (s *Cover) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentState
}

func (s *Cover) publish() {
	s.mu.Lock()
	h, state, position := s.updateHandler, s.currentState, s.currentPosition
	s.mu.Unlock()

	if h != nil {
		h(state, position)
	}
}

func (s *Cover) emit(kind cover.EventKind) {
	s.mu.Lock()
	handlers := make([]cover.EventHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	logrus.Debugf("%s: event %s", s.name, kind)
	e := cover.Event{Kind: kind, Timestamp: time.Now()}
	for _, h := range handlers {
		h(e)
	}
}
