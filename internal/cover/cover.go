package cover

import (
	"context"
	"time"
)

const (
	OpenState    = "open"
	ClosedState  = "closed"
	OpeningState = "opening"
	ClosingState = "closing"
	StoppedState = "stopped"
)

// Status is a snapshot of the actuator as reported by Gateway.Status.
type Status struct {
	CurrentPos int    `json:"current_pos"`
	State      string `json:"state"`
}

// Idle reports whether the actuator considers itself at rest on an end position.
// No lifecycle notification follows a Stop issued in this state.
func (s Status) Idle() bool {
	return s.State == OpenState || s.State == ClosedState
}

type EventKind string

const (
	EventOpening EventKind = "opening"
	EventClosing EventKind = "closing"
	EventStopped EventKind = "stopped"
	EventOpened  EventKind = "opened"
	EventClosed  EventKind = "closed"
)

// Terminal reports whether the event ends a movement.
func (k EventKind) Terminal() bool {
	return k == EventStopped || k == EventOpened || k == EventClosed
}

// Active reports whether the event starts a movement.
func (k EventKind) Active() bool {
	return k == EventOpening || k == EventClosing
}

type Event struct {
	Kind      EventKind
	Timestamp time.Time
}

type EventHandler func(e Event)

// Gateway issues commands to the physical cover. Every call returns once the
// actuator accepted or rejected the request; physical completion is reported
// through an EventSource.
type Gateway interface {
	MoveToPosition(ctx context.Context, pos int) error
	MoveOpen(ctx context.Context, duration time.Duration) error
	MoveClose(ctx context.Context, duration time.Duration) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// EventSource pushes movement lifecycle notifications. The returned function
// releases the subscription.
type EventSource interface {
	Subscribe(h EventHandler) (unsubscribe func())
}

// Actuator is a driver that both accepts commands and reports their effects.
type Actuator interface {
	Gateway
	EventSource
}

type UpdateHandler func(state string, position int)

// Reporter is implemented by drivers that estimate position locally and
// want it published.
type Reporter interface {
	OnUpdate(h UpdateHandler)
}

// Restorer is implemented by drivers without persistent position that can be
// told where they are on start.
type Restorer interface {
	ResetPosition(position int) error
}
