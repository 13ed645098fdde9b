package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/clock"
	"github.com/jkaflik/blinds2mqtt/internal/cover"
)

const (
	callStatus         = "Status"
	callStop           = "Stop"
	callMoveToPosition = "MoveToPosition"
	callMoveOpen       = "MoveOpen"
	callMoveClose      = "MoveClose"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	method string
	arg    interface{}
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []call
	status cover.Status
	errs   map[string]error
}

func newFakeGateway(status cover.Status) *fakeGateway {
	return &fakeGateway{status: status, errs: map[string]error{}}
}

func (g *fakeGateway) record(method string, arg interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, call{method, arg})
	return g.errs[method]
}

func (g *fakeGateway) setStatus(s cover.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = s
}

func (g *fakeGateway) fail(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[method] = err
}

func (g *fakeGateway) Calls() []call {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]call(nil), g.calls...)
}

func (g *fakeGateway) MoveToPosition(_ context.Context, pos int) error {
	return g.record(callMoveToPosition, pos)
}

func (g *fakeGateway) MoveOpen(_ context.Context, d time.Duration) error {
	return g.record(callMoveOpen, d)
}

func (g *fakeGateway) MoveClose(_ context.Context, d time.Duration) error {
	return g.record(callMoveClose, d)
}

func (g *fakeGateway) Stop(_ context.Context) error {
	return g.record(callStop, nil)
}

func (g *fakeGateway) Status(_ context.Context) (cover.Status, error) {
	err := g.record(callStatus, nil)

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, err
}

type fakeEvents struct {
	mu      sync.Mutex
	handler cover.EventHandler
}

func (f *fakeEvents) Subscribe(h cover.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handler = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}
}

func (f *fakeEvents) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *fakeEvents) emit(kind cover.EventKind) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()

	if h != nil {
		h(cover.Event{Kind: kind, Timestamp: testNow})
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Clock = clock.NewMockClock(testNow)
	return opts
}

// newSyncCoordinator returns a coordinator whose gateway calls run inline, so
// a test drives it deterministically with handle and settle.
func newSyncCoordinator(g *fakeGateway, opts Options) *Coordinator {
	c := New("test", g, &fakeEvents{}, opts)
	c.spawn = func(f func()) { f() }
	return c
}

// settle handles every queued message, including the ones queued meanwhile.
func settle(c *Coordinator) {
	for {
		select {
		case msg := <-c.mailbox:
			c.handle(msg)
		default:
			return
		}
	}
}

func notify(c *Coordinator, kind cover.EventKind) {
	c.handle(eventMsg{event: cover.Event{Kind: kind, Timestamp: testNow}})
	settle(c)
}

func intPtr(v int) *int {
	return &v
}
