package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 5 * time.Second

	notifyEventMethod = "NotifyEvent"
)

var ErrTimeout = errors.New("shelly: rpc call timed out")

// RPCError is an error frame returned by the device.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("shelly: rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     uint64      `json:"id"`
	Src    string      `json:"src"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// frame is anything a device sends: a response to a request or a
// notification.
type frame struct {
	ID     *uint64         `json:"id,omitempty"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type notifyEventParams struct {
	Ts     float64       `json:"ts"`
	Events []DeviceEvent `json:"events"`
}

// DeviceEvent is one entry of a NotifyEvent notification.
type DeviceEvent struct {
	Component string  `json:"component"`
	ID        int     `json:"id"`
	Event     string  `json:"event"`
	Ts        float64 `json:"ts"`
}

// Timestamp is zero when the device did not stamp the event.
func (e DeviceEvent) Timestamp() time.Time {
	if e.Ts == 0 {
		return time.Time{}
	}

	sec := int64(e.Ts)
	return time.Unix(sec, int64((e.Ts-float64(sec))*float64(time.Second)))
}

// Transport carries frames between the client and one device.
type Transport interface {
	// Src is the source identifier responses are addressed to.
	Src() string
	Send(ctx context.Context, payload []byte) error
	// Receive sets the handler for every incoming frame. It is called before
	// the transport is opened.
	Receive(h func(payload []byte))
}

// NewSrc returns a source identifier unique to this process.
func NewSrc() string {
	return "blinds2mqtt-" + uuid.NewString()
}

type EventsHandler func(events []DeviceEvent)

// Client matches responses to pending calls and fans notifications out to
// subscribers.
type Client struct {
	transport Transport
	timeout   time.Duration

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan frame
	handlers map[int]EventsHandler
	nextSub  int
}

func NewClient(transport Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		transport: transport,
		timeout:   timeout,
		pending:   map[uint64]chan frame{},
		handlers:  map[int]EventsHandler{},
	}
	transport.Receive(c.receive)

	return c
}

// Call sends method with params and decodes the result into result, unless
// result is nil.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	reply := make(chan frame, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(request{ID: id, Src: c.transport.Src(), Method: method, Params: params})
	if err != nil {
		return errors.Wrapf(err, "shelly: %s encode failed", method)
	}

	logrus.Tracef("shelly: >> %s", payload)
	if err := c.transport.Send(ctx, payload); err != nil {
		return errors.Wrapf(err, "shelly: %s send failed", method)
	}

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	select {
	case f := <-reply:
		if f.Error != nil {
			return f.Error
		}
		if result == nil || len(f.Result) == 0 {
			return nil
		}
		return errors.Wrapf(json.Unmarshal(f.Result, result), "shelly: %s result decode failed", method)
	case <-timeout.C:
		return errors.Wrapf(ErrTimeout, "%s", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for the events of every NotifyEvent notification.
func (c *Client) Subscribe(h EventsHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.handlers[id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.handlers, id)
	}
}

func (c *Client) receive(payload []byte) {
	logrus.Tracef("shelly: << %s", payload)

	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		logrus.Warnf("shelly: malformed frame dropped: %s", err)
		return
	}

	if f.ID != nil {
		c.mu.Lock()
		reply, ok := c.pending[*f.ID]
		c.mu.Unlock()

		if !ok {
			logrus.Debugf("shelly: response #%d has no pending call", *f.ID)
			return
		}
		select {
		case reply <- f:
		default:
			logrus.Debugf("shelly: duplicate response #%d dropped", *f.ID)
		}
		return
	}

	if f.Method != notifyEventMethod {
		return
	}

	var params notifyEventParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		logrus.Warnf("shelly: malformed %s dropped: %s", f.Method, err)
		return
	}

	c.mu.Lock()
	handlers := make([]EventsHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(params.Events)
	}
}
