// Package mqtttest provides an in-memory paho.Client for tests.
package mqtttest

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Message struct {
	topic    string
	payload  []byte
	retained bool
}

func NewMessage(topic string, payload []byte, retained bool) *Message {
	return &Message{topic: topic, payload: payload, retained: retained}
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return m.retained }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}

type Token struct {
	err error
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Error() error                   { return t.err }

func (t *Token) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

// Client records publications and routes Deliver calls to subscribed
// handlers. Topics are matched exactly.
type Client struct {
	mu        sync.Mutex
	published []*Message
	handlers  map[string]paho.MessageHandler
	errs      map[string]error

	// OnPublish, if set, is called after a publication is recorded.
	OnPublish func(c *Client, topic string, payload []byte)
}

var _ paho.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{handlers: map[string]paho.MessageHandler{}, errs: map[string]error{}}
}

// Fail makes every Publish or Subscribe on topic fail with err.
func (c *Client) Fail(topic string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errs[topic] = err
}

func (c *Client) IsConnected() bool      { return true }
func (c *Client) IsConnectionOpen() bool { return true }
func (c *Client) Connect() paho.Token    { return &Token{} }
func (c *Client) Disconnect(uint)        {}

func (c *Client) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (c *Client) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		body = []byte(fmt.Sprint(p))
	}

	c.mu.Lock()
	err := c.errs[topic]
	if err == nil {
		c.published = append(c.published, NewMessage(topic, body, retained))
	}
	onPublish := c.OnPublish
	c.mu.Unlock()

	if err == nil && onPublish != nil {
		onPublish(c, topic, body)
	}

	return &Token{err: err}
}

func (c *Client) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.errs[topic]; err != nil {
		return &Token{err: err}
	}
	c.handlers[topic] = callback
	return &Token{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		if t := c.Subscribe(topic, qos, callback); t.Error() != nil {
			return t
		}
	}
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return &Token{}
}

func (c *Client) AddRoute(topic string, callback paho.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = callback
}

// Deliver passes a message to the handler subscribed to topic and reports
// whether there was one.
func (c *Client) Deliver(topic string, payload []byte, retained bool) bool {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()

	if h == nil {
		return false
	}
	h(c, NewMessage(topic, payload, retained))
	return true
}

func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.handlers[topic]
	return ok
}

func (c *Client) Published() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*Message(nil), c.published...)
}

// Last returns the payload last published on topic.
func (c *Client) Last(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return string(c.published[i].payload), true
		}
	}
	return "", false
}
