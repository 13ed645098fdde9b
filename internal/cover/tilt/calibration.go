package tilt

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// MinPulse is the shortest pulse worth sending to the motor.
const MinPulse = 50 * time.Millisecond

// Calibration holds the time-based constants of a cover's slat mechanism.
type Calibration struct {
	// OpeningToKnown is the opening pulse that puts the slats into the open reference state.
	OpeningToKnown time.Duration `yaml:"opening_to_known"`
	// ClosingToKnown is the closing pulse that puts the slats into the closed reference state.
	ClosingToKnown time.Duration `yaml:"closing_to_known"`
	// StraightFromOpen is the closing time from the open reference to straight slats.
	StraightFromOpen time.Duration `yaml:"straight_from_open"`
	// StraightFromClose is the opening time from the closed reference to straight slats.
	StraightFromClose time.Duration `yaml:"straight_from_close"`
}

func DefaultCalibration() Calibration {
	return Calibration{
		OpeningToKnown:    1500 * time.Millisecond,
		ClosingToKnown:    1500 * time.Millisecond,
		StraightFromOpen:  500 * time.Millisecond,
		StraightFromClose: 900 * time.Millisecond,
	}
}

// Validate rejects constants for which the recompute line is undefined.
func (c Calibration) Validate() error {
	switch {
	case c.OpeningToKnown <= 0 || c.ClosingToKnown <= 0 || c.StraightFromOpen <= 0 || c.StraightFromClose <= 0:
		return errors.New("calibration durations have to be positive")
	case c.StraightFromClose >= c.OpeningToKnown:
		return errors.Errorf("straight_from_close %s has to be shorter than opening_to_known %s", c.StraightFromClose, c.OpeningToKnown)
	}

	return nil
}

// Recompute translates a tilt duration measured from the closed reference
// state into the closing pulse giving the same slat angle from the open
// reference state. The curve is a line through (StraightFromClose,
// StraightFromOpen) and (OpeningToKnown, 0), clamped to [0, OpeningToKnown].
func (c Calibration) Recompute(d time.Duration) time.Duration {
	return seconds(c.RecomputeSeconds(d.Seconds()))
}

// RecomputeSeconds is Recompute on plain seconds.
func (c Calibration) RecomputeSeconds(d float64) float64 {
	x1, y1 := c.StraightFromClose.Seconds(), c.StraightFromOpen.Seconds()
	upper := c.OpeningToKnown.Seconds()

	slope := (0 - y1) / (upper - x1)
	intercept := y1 - slope*x1

	return math.Max(0, math.Min(upper, slope*d+intercept))
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
