package shelly

import (
	"context"
	"fmt"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MQTTTransport talks to a device through its MQTT RPC channel. Requests are
// published on <device>/rpc, responses arrive on <src>/rpc and notifications
// on <device>/events/rpc.
type MQTTTransport struct {
	client paho.Client
	device string
	src    string

	mu      sync.Mutex
	handler func(payload []byte)
}

func NewMQTTTransport(client paho.Client, device string) *MQTTTransport {
	return &MQTTTransport{client: client, device: device, src: NewSrc()}
}

func (t *MQTTTransport) Src() string {
	return t.src
}

func (t *MQTTTransport) RequestTopic() string {
	return fmt.Sprintf("%s/rpc", t.device)
}

func (t *MQTTTransport) ResponseTopic() string {
	return fmt.Sprintf("%s/rpc", t.src)
}

func (t *MQTTTransport) EventsTopic() string {
	return fmt.Sprintf("%s/events/rpc", t.device)
}

func (t *MQTTTransport) Receive(h func(payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = h
}

// Open subscribes the response and notification topics. It has to be called
// again after a reconnect without a persistent session.
func (t *MQTTTransport) Open(_ context.Context) error {
	if token := t.client.Subscribe(t.ResponseTopic(), 0, t.onMessage); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT rpc response topic subscription failed", t.device)
	}
	if token := t.client.Subscribe(t.EventsTopic(), 0, t.onMessage); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT rpc events topic subscription failed", t.device)
	}
	logrus.Infof("%s: MQTT rpc topics subscribed", t.device)

	return nil
}

func (t *MQTTTransport) Close() error {
	if token := t.client.Unsubscribe(t.ResponseTopic(), t.EventsTopic()); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT rpc topics unsubscribe failed", t.device)
	}

	return nil
}

func (t *MQTTTransport) Send(ctx context.Context, payload []byte) error {
	token := t.client.Publish(t.RequestTopic(), 0, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	return errors.Wrapf(token.Error(), "%s: MQTT rpc publish failed", t.device)
}

func (t *MQTTTransport) onMessage(_ paho.Client, msg paho.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h(msg.Payload())
	}
}
