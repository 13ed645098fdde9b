package shelly

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	maxMsgSize = 1 << 16
)

var ErrNotConnected = errors.New("shelly: websocket not connected")

// WSTransport talks to a device over its ws://<host>/rpc endpoint. Responses
// and notifications share the connection.
type WSTransport struct {
	url    string
	src    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(payload []byte)
	done    chan struct{}
}

func NewWSTransport(url string) *WSTransport {
	return &WSTransport{url: url, src: NewSrc(), dialer: websocket.DefaultDialer}
}

func (t *WSTransport) Src() string {
	return t.src
}

func (t *WSTransport) Receive(h func(payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = h
}

// Open dials the device and starts reading frames until the connection is
// closed.
func (t *WSTransport) Open(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return errors.Wrapf(err, "shelly: websocket dial %s failed", t.url)
	}
	conn.SetReadLimit(maxMsgSize)

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.mu.Unlock()

	go t.read(conn, done)
	logrus.Infof("shelly: websocket %s connected", t.url)

	return nil
}

// Done is closed when the connection opened last is gone.
func (t *WSTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.done
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	return conn.Close()
}

func (t *WSTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WSTransport) read(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Errorf("shelly: websocket %s read failed: %s", t.url, err)
			} else {
				logrus.Debugf("shelly: websocket %s closed: %s", t.url, err)
			}

			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()

		if h != nil {
			h(payload)
		}
	}
}

// Run keeps the connection open until ctx is done, redialing after retry
// whenever it drops.
func (t *WSTransport) Run(ctx context.Context, retry time.Duration) {
	defer func() {
		if err := t.Close(); err != nil {
			logrus.Debugf("shelly: websocket %s close: %s", t.url, err)
		}
	}()

	for {
		if err := t.Open(ctx); err != nil {
			logrus.Errorf("%s, retrying in %s", err, retry)
		} else {
			select {
			case <-t.Done():
				logrus.Warnf("shelly: websocket %s lost, reconnecting", t.url)
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return
		}
	}
}
