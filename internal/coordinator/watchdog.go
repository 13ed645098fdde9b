package coordinator

import (
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/clock"
	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/sirupsen/logrus"
)

const DefaultWatchdogWindow = time.Minute

// watchdog remembers the last movement start we heard of. A movement that
// started within the window and has not been reported finished is assumed to
// be still going.
type watchdog struct {
	name   string
	clock  clock.Clock
	window time.Duration

	last *cover.Event
}

func newWatchdog(name string, c clock.Clock, window time.Duration) *watchdog {
	if window <= 0 {
		window = DefaultWatchdogWindow
	}

	return &watchdog{name: name, clock: c, window: window}
}

func (w *watchdog) observe(e cover.Event) {
	switch {
	case e.Kind.Active():
		logrus.Debugf("%s: detected ongoing movement %s", w.name, e.Kind)
		w.last = &e
	case e.Kind.Terminal():
		logrus.Debugf("%s: detected movement end %s", w.name, e.Kind)
		w.last = nil
	}
}

func (w *watchdog) active() bool {
	if w.last == nil {
		return false
	}

	var now time.Time
	if w.clock != nil {
		now = w.clock.Now()
	}
	if w.last.Timestamp.IsZero() || now.IsZero() {
		logrus.Warnf("%s: invalid times for movement check (event %s, now %s)", w.name, w.last.Timestamp, now)
		return false
	}

	return now.Sub(w.last.Timestamp) < w.window
}
