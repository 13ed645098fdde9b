package main

import (
	"context"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/jkaflik/blinds2mqtt/internal/cover/driver/relay"
	"github.com/jkaflik/blinds2mqtt/internal/cover/driver/shelly"
	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"github.com/stianeikeland/go-rpio/v4"
)

const (
	relayKindWired = "wired"
	relayKindDumb  = "dumb"

	pinKindMcp23017 = "mcp23017"
	pinKindRpio     = "rpio"
)

// drivers builds actuators from config and owns the hardware they share.
type drivers struct {
	ctx  context.Context
	cfg  cfgDrivers
	mqtt paho.Client

	relaysPool chan struct{}
	mcpDevices map[int]*mcp23017.Device
	rpioOpen   bool

	// mqttTransports have to be reopened on every broker connection.
	mqttTransports []*shelly.MQTTTransport
}

func newDrivers(ctx context.Context, cfg cfgDrivers, client paho.Client) *drivers {
	d := &drivers{ctx: ctx, cfg: cfg, mqtt: client, mcpDevices: map[int]*mcp23017.Device{}}
	if cfg.Relay.Pool > 0 {
		d.relaysPool = make(chan struct{}, cfg.Relay.Pool)
	}

	return d
}

func (d *drivers) actuatorFromConfig(cfg cfgCover) (cover.Actuator, error) {
	switch cfg.Kind {
	case kindRelays:
		return d.relaysFromConfig(cfg)
	case kindShelly:
		return d.shellyFromConfig(cfg)
	}

	return nil, errors.Errorf("%s is not supported cover kind", cfg.Kind)
}

func (d *drivers) relaysFromConfig(cfg cfgCover) (cover.Actuator, error) {
	up, err := d.relayFromConfig(cfg.Name+"/up", cfg.Driver.Relays.Up)
	if err != nil {
		return nil, err
	}
	down, err := d.relayFromConfig(cfg.Name+"/down", cfg.Driver.Relays.Down)
	if err != nil {
		return nil, err
	}
	pairedUp, pairedDown := relay.NewRelayPair(up, down)

	return relay.NewCover(
		cfg.Name,
		pairedUp,
		pairedDown,
		cfg.Driver.Relays.FullOpenPosition,
		cfg.Driver.Relays.FullClosePosition,
		cfg.Driver.Relays.TimeToClose,
	), nil
}

func (d *drivers) shellyFromConfig(cfg cfgCover) (cover.Actuator, error) {
	s := cfg.Driver.Shelly

	switch s.Transport {
	case shellyTransportMQTT:
		t := shelly.NewMQTTTransport(d.mqtt, s.Device)
		d.mqttTransports = append(d.mqttTransports, t)
		return shelly.NewCover(cfg.Name, shelly.NewClient(t, s.Timeout), s.ID), nil
	case shellyTransportWS:
		t := shelly.NewWSTransport(s.URL)
		go t.Run(d.ctx, d.cfg.Shelly.Reconnect)
		return shelly.NewCover(cfg.Name, shelly.NewClient(t, s.Timeout), s.ID), nil
	}

	return nil, errors.Errorf("%s is not supported shelly transport", s.Transport)
}

// openTransports subscribes the rpc topics of every Shelly reached over MQTT.
func (d *drivers) openTransports() {
	for _, t := range d.mqttTransports {
		if err := t.Open(d.ctx); err != nil {
			logrus.Error(err)
		}
	}
}

func (d *drivers) relayFromConfig(name string, cfg cfgRelay) (relay.Relay, error) {
	switch cfg.Kind {
	case relayKindWired:
		pin, err := d.wiredRelaySetPinFromConfig(cfg.Pin)
		if err != nil {
			return nil, err
		}
		w := &relay.Wired{Pin: pin, NormalClosed: cfg.NormalClosed}
		if err := w.Release(); err != nil {
			return nil, errors.Wrapf(err, "%s: relay release failed", name)
		}
		return d.wrapRelayWithPoolProxy(w), nil
	case relayKindDumb:
		return d.wrapRelayWithPoolProxy(&relay.Dumb{Name: name}), nil
	}

	return nil, errors.Errorf("%s is not supported relay kind", cfg.Kind)
}

func (d *drivers) wrapRelayWithPoolProxy(r relay.Relay) relay.Relay {
	if d.relaysPool == nil {
		return r
	}

	return relay.NewPoolProxy(r, d.relaysPool)
}

func (d *drivers) wiredRelaySetPinFromConfig(cfg cfgWiredRelaySetPin) (relay.SetPin, error) {
	switch cfg.Kind {
	case pinKindMcp23017:
		device, err := d.mcp23017DeviceByID(cfg.Mcp23017)
		if err != nil {
			return nil, err
		}
		return relay.NewMcp23017Pin(device, cfg.Pin)
	case pinKindRpio:
		if !d.rpioOpen {
			if err := rpio.Open(); err != nil {
				return nil, errors.Wrap(err, "rpio: open failed")
			}
			d.rpioOpen = true
		}
		return relay.NewRpioPin(cfg.Pin), nil
	}

	return nil, errors.Errorf("%s is not supported wired relay set pin kind", cfg.Kind)
}

func (d *drivers) mcp23017DeviceByID(id int) (*mcp23017.Device, error) {
	if dev := d.mcpDevices[id]; dev != nil {
		return dev, nil
	}

	cfg, found := d.cfg.Relay.Mcp23017[id]
	if !found {
		return nil, errors.Errorf("%d is not valid defined drivers.relay.mcp23017", id)
	}

	dev, err := mcp23017.Open(cfg.Bus, cfg.DeviceNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "mcp23017: %d open failed", id)
	}
	if err := dev.Reset(); err != nil {
		return nil, errors.Wrapf(err, "mcp23017: %d reset failed", id)
	}

	d.mcpDevices[id] = dev
	return dev, nil
}

// close releases the hardware once every cover is done.
func (d *drivers) close() {
	for id, dev := range d.mcpDevices {
		if err := dev.Close(); err != nil {
			logrus.Errorf("mcp23017: %d close failed %s", id, err)
			continue
		}
		logrus.Infof("mcp23017: %d close", id)
	}

	if d.rpioOpen {
		if err := rpio.Close(); err != nil {
			logrus.Errorf("rpio: close failed %s", err)
		}
	}
}
