package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/coordinator"
	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/jkaflik/blinds2mqtt/internal/cover/tilt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	TopicPrefix = "blinds2mqtt"

	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"
)

// Cover is what the bridge controls. *coordinator.Coordinator implements it.
type Cover interface {
	Name() string
	Calibration() tilt.Calibration
	OnTransition(h coordinator.TransitionHandler)
	Tilt(duration time.Duration) error
	PosAndTilt(pos int, duration time.Duration) error
	Stop()
}

type Bridge struct {
	mqtt   paho.Client
	cover  Cover
	driver interface{}

	StateTopic      string
	PositionTopic   string
	CoverStateTopic string
	TiltTopic       string
	MetadataTopic   string

	CommandTopic        string
	PositionChangeTopic string
	TiltChangeTopic     string

	mu       sync.Mutex
	lastTilt time.Duration
}

// NewBridge connects c to MQTT. The driver is the actuator behind c; if it
// reports or restores its position the bridge takes care of that too.
func NewBridge(client paho.Client, c Cover, driver interface{}) (*Bridge, error) {
	prefix := fmt.Sprintf("%s/%s", TopicPrefix, c.Name())

	bridge := &Bridge{mqtt: client, cover: c, driver: driver}
	bridge.StateTopic = prefix + "/state"
	bridge.PositionTopic = prefix + "/position"
	bridge.CoverStateTopic = prefix + "/cover_state"
	bridge.TiltTopic = prefix + "/tilt"
	bridge.MetadataTopic = prefix + "/metadata"
	bridge.CommandTopic = prefix + "/set"
	bridge.PositionChangeTopic = prefix + "/position/set"
	bridge.TiltChangeTopic = prefix + "/tilt/set"

	if err := bridge.restorePosition(); err != nil {
		return nil, err
	}

	if reporter, ok := driver.(cover.Reporter); ok {
		reporter.OnUpdate(bridge.onCoverUpdateHandler())
	}
	c.OnTransition(bridge.onTransitionHandler())

	return bridge, nil
}

// Reports tells whether the driver publishes its position.
func (b *Bridge) Reports() bool {
	_, ok := b.driver.(cover.Reporter)
	return ok
}

func (b *Bridge) SetMetadata(value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.cover.Name())
	}

	return nil
}

// Subscribe subscribes the command topics until ctx is done.
func (b *Bridge) Subscribe(ctx context.Context) error {
	topics := []struct {
		name    string
		topic   string
		handler paho.MessageHandler
	}{
		{"command", b.CommandTopic, b.onCommandHandler()},
		{"position change", b.PositionChangeTopic, b.onPositionChangeHandler()},
		{"tilt change", b.TiltChangeTopic, b.onTiltChangeHandler()},
	}

	for _, t := range topics {
		if token := b.mqtt.Subscribe(t.topic, 0, t.handler); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "%s: MQTT %s topic subscription failed", b.cover.Name(), t.name)
		}
		logrus.Infof("%s: MQTT %s topic subscribed", b.cover.Name(), t.name)
	}

	go func() {
		<-ctx.Done()
		if token := b.mqtt.Unsubscribe(b.CommandTopic, b.PositionChangeTopic, b.TiltChangeTopic); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.cover.Name(), token.Error())
		}
	}()

	return nil
}

func (b *Bridge) onTransitionHandler() coordinator.TransitionHandler {
	return func(s coordinator.Snapshot) {
		payload, err := json.Marshal(s)
		if err != nil {
			logrus.Errorf("%s: MQTT state encode failed: %s", b.cover.Name(), err)
			return
		}

		// Called from the coordinator loop, so the publish is not waited for.
		token := b.mqtt.Publish(b.StateTopic, 0, true, payload)
		go func() {
			if token.Wait() && token.Error() != nil {
				logrus.Errorf("%s: MQTT state publish failed: %s", b.cover.Name(), token.Error())
			}
		}()
	}
}

func (b *Bridge) onCoverUpdateHandler() cover.UpdateHandler {
	return func(state string, position int) {
		if token := b.mqtt.Publish(b.CoverStateTopic, 0, true, state); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT cover state publish failed: %s", b.cover.Name(), token.Error())
		}
		if token := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(position)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", b.cover.Name(), token.Error())
		}
	}
}

func (b *Bridge) onCommandHandler() paho.MessageHandler {
	return func(c paho.Client, msg paho.Message) {
		cmd := strings.TrimSpace(string(msg.Payload()))

		var err error
		switch cmd {
		case mqttOpenCmd:
			err = b.cover.PosAndTilt(100, 0)
		case mqttCloseCmd:
			err = b.cover.PosAndTilt(0, 0)
		case mqttStopCmd:
			b.cover.Stop()
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.cover.Name(), cmd)
			return
		}

		if err != nil {
			logrus.Errorf("%s: MQTT %s command rejected: %s", b.cover.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler() paho.MessageHandler {
	return func(c paho.Client, msg paho.Message) {
		pos, err := parsePercent(msg.Payload())
		if err != nil {
			logrus.Errorf("%s: MQTT position change: %s", b.cover.Name(), err)
			return
		}

		b.mu.Lock()
		d := b.lastTilt
		b.mu.Unlock()

		if err := b.cover.PosAndTilt(pos, d); err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onTiltChangeHandler() paho.MessageHandler {
	return func(c paho.Client, msg paho.Message) {
		pct, err := parsePercent(msg.Payload())
		if err != nil {
			logrus.Errorf("%s: MQTT tilt change: %s", b.cover.Name(), err)
			return
		}

		d := TiltDuration(b.cover.Calibration(), pct)
		if err := b.cover.Tilt(d); err != nil {
			logrus.Error(err)
			return
		}

		b.mu.Lock()
		b.lastTilt = d
		b.mu.Unlock()

		if token := b.mqtt.Publish(b.TiltTopic, 0, true, strconv.Itoa(pct)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT tilt publish failed: %s", b.cover.Name(), token.Error())
		}
	}
}

// TiltDuration converts a tilt percentage into the opening pulse from the
// closed reference state. 100 is the pulse that opens the slats fully.
func TiltDuration(c tilt.Calibration, percent int) time.Duration {
	return c.OpeningToKnown * time.Duration(percent) / 100
}

func parsePercent(payload []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid payload %q", payload)
	}
	if v < 0 || v > 100 {
		return 0, errors.Errorf("%d is out of range 0-100", v)
	}

	return v, nil
}

func (b *Bridge) restorePosition() error {
	restorer, ok := b.driver.(cover.Restorer)
	if !ok {
		logrus.Debugf("%s: MQTT position restore: driver keeps its own position", b.cover.Name())
		return nil
	}

	restoreHandler := func(c paho.Client, msg paho.Message) {
		pos, err := strconv.Atoi(string(msg.Payload()))
		if err != nil {
			logrus.Error(err)
			return
		}
		if err := restorer.ResetPosition(pos); err != nil {
			logrus.Errorf("%s: MQTT position restore failed: %s", b.cover.Name(), err)
			return
		}

		logrus.Infof("%s: MQTT position restored to %d", b.cover.Name(), pos)

		go func() {
			if token := c.Unsubscribe(b.PositionTopic); token.Wait() && token.Error() != nil {
				logrus.Errorf("%s: MQTT position restore topic unsubscribe failed: %s", b.cover.Name(), token.Error())
				return
			}

			logrus.Debugf("%s: MQTT position restore topic unsubscribed", b.cover.Name())
		}()
	}

	if token := b.mqtt.Subscribe(b.PositionTopic, 0, restoreHandler); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position restore topic subscription failed", b.cover.Name())
	}

	return nil
}
