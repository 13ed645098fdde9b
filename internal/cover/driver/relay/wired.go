package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"github.com/stianeikeland/go-rpio/v4"
)

type SetPin interface {
	High() error
	Low() error
}

// Mcp23017Pin is an output of a MCP23017 I2C port expander.
type Mcp23017Pin struct {
	device *mcp23017.Device
	pin    uint8
}

func NewMcp23017Pin(device *mcp23017.Device, pin uint8) (p *Mcp23017Pin, err error) {
	p = &Mcp23017Pin{device: device, pin: pin}
	err = p.device.PinMode(pin, mcp23017.OUTPUT)
	return p, err
}

func (m *Mcp23017Pin) High() error {
	return m.device.DigitalWrite(m.pin, mcp23017.HIGH)
}

func (m *Mcp23017Pin) Low() error {
	return m.device.DigitalWrite(m.pin, mcp23017.LOW)
}

// RpioPin is a Raspberry Pi GPIO. rpio.Open has to be called before use.
type RpioPin struct {
	pin rpio.Pin
}

func NewRpioPin(pin uint8) *RpioPin {
	p := rpio.Pin(pin)
	p.Output()
	return &RpioPin{pin: p}
}

func (r *RpioPin) High() error {
	r.pin.High()
	return nil
}

func (r *RpioPin) Low() error {
	r.pin.Low()
	return nil
}

// Wired is a relay switched through a pin. NormalClosed relays are energized
// with a high level, the rest with a low one.
type Wired struct {
	Pin          SetPin
	NormalClosed bool

	enabled atomic.Bool
}

func (p *Wired) EnableFor(ctx context.Context, duration time.Duration) error {
	t := time.NewTimer(duration)
	defer t.Stop()

	if err := p.enable(); err != nil {
		return err
	}
	p.enabled.Store(true)
	defer func() {
		if err := p.disable(); err != nil {
			logrus.Errorf("wired relay disable failed: %s", err)
		}
		p.enabled.Store(false)
	}()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		logrus.Debug("wired relay context exit")
		return ctx.Err()
	}
}

func (p *Wired) IsEnabled() bool {
	return p.enabled.Load()
}

// Release puts the pin into its resting level.
func (p *Wired) Release() error {
	return p.disable()
}

func (p *Wired) enable() error {
	if !p.NormalClosed {
		return p.Pin.Low()
	}

	return p.Pin.High()
}

func (p *Wired) disable() error {
	if !p.NormalClosed {
		return p.Pin.High()
	}

	return p.Pin.Low()
}
