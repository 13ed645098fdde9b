package coordinator

import (
	"fmt"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/cover"
)

type State string

const (
	Idle             State = "IDLE"
	Stopping         State = "STOPPING"
	MovingToPosition State = "MOVING_TO_POSITION"
	Tilting          State = "TILTING"
	TiltingUpwards   State = "TILTING_UPWARDS"
	Tilting2         State = "TILTING2"
)

// operation is one externally requested action. Its clock is stamped once,
// right after the status fetch that starts it.
type operation struct {
	target *int
	tilt   time.Duration
	clock  uint64
}

func newTiltOperation(tilt time.Duration) *operation {
	return &operation{tilt: tilt}
}

func newPosAndTiltOperation(pos int, tilt time.Duration) *operation {
	return &operation{target: &pos, tilt: tilt}
}

// first is the state an operation starts working in once nothing needs to be
// stopped. Without a target the cover stays where it is.
func (o *operation) first() State {
	if o.target == nil {
		return MovingToPosition
	}

	return Stopping
}

func (o *operation) String() string {
	if o == nil {
		return "<none>"
	}
	if o.target == nil {
		return fmt.Sprintf("tilt(%s)#%d", o.tilt, o.clock)
	}

	return fmt.Sprintf("posAndTilt(%d, %s)#%d", *o.target, o.tilt, o.clock)
}

// Snapshot is a copy of the coordinator state safe to hand out of the run loop.
type Snapshot struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	Target    *int          `json:"target,omitempty"`
	Tilt      float64       `json:"tilt,omitempty"`
	Clock     uint64        `json:"clock"`
	Status    *cover.Status `json:"status,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// logicalClock stamps operations; it never goes back.
type logicalClock struct {
	value uint64
}

func (l *logicalClock) tick() uint64 {
	l.value++
	return l.value
}

func (l *logicalClock) current() uint64 {
	return l.value
}
