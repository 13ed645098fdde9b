package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Relay interface {
	EnableFor(ctx context.Context, duration time.Duration) error
	IsEnabled() bool
}

// PoolProxy limits how many relays are energized at once. Relays sharing the
// same pool channel wait for a free slot.
type PoolProxy struct {
	r Relay
	c chan struct{}
}

func NewPoolProxy(r Relay, pool chan struct{}) *PoolProxy {
	return &PoolProxy{r: r, c: pool}
}

func (p *PoolProxy) EnableFor(ctx context.Context, duration time.Duration) error {
	select {
	case p.c <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-p.c
	}()

	return p.r.EnableFor(ctx, duration)
}

func (p *PoolProxy) IsEnabled() bool {
	return p.r.IsEnabled()
}

// Dumb is a relay that only logs. Useful for trying a configuration without
// hardware attached.
type Dumb struct {
	Name string

	enabled atomic.Bool
}

func (r *Dumb) EnableFor(ctx context.Context, duration time.Duration) error {
	r.enabled.Store(true)
	defer r.enabled.Store(false)

	t := time.NewTimer(duration)
	defer t.Stop()

	logrus.Debugf("%s: dumb relay start (for %s)", r.Name, duration.String())

	select {
	case <-t.C:
		logrus.Debugf("%s: dumb relay done", r.Name)
		return nil
	case <-ctx.Done():
		logrus.Debugf("%s: dumb relay exit", r.Name)
		return ctx.Err()
	}
}

func (r *Dumb) IsEnabled() bool {
	return r.enabled.Load()
}
