package shelly

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaflik/blinds2mqtt/internal/cover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var eventKinds = map[string]cover.EventKind{
	"opening": cover.EventOpening,
	"closing": cover.EventClosing,
	"stopped": cover.EventStopped,
	"open":    cover.EventOpened,
	"opened":  cover.EventOpened,
	"closed":  cover.EventClosed,
}

type idParams struct {
	ID int `json:"id"`
}

type positionParams struct {
	ID  int `json:"id"`
	Pos int `json:"pos"`
}

type durationParams struct {
	ID       int     `json:"id"`
	Duration float64 `json:"duration"`
}

type coverStatus struct {
	ID         int    `json:"id"`
	State      string `json:"state"`
	CurrentPos *int   `json:"current_pos"`
}

// Cover is one cover component of a Shelly device.
type Cover struct {
	name   string
	id     int
	client *Client
}

var _ cover.Actuator = (*Cover)(nil)

func NewCover(name string, client *Client, id int) *Cover {
	return &Cover{name: name, id: id, client: client}
}

func (s *Cover) Name() string {
	return s.name
}

func (s *Cover) component() string {
	return fmt.Sprintf("cover:%d", s.id)
}

func (s *Cover) MoveToPosition(ctx context.Context, pos int) error {
	logrus.Debugf("%s: Cover.GoToPosition %d", s.name, pos)
	return s.call(ctx, "Cover.GoToPosition", positionParams{ID: s.id, Pos: pos})
}

func (s *Cover) MoveOpen(ctx context.Context, duration time.Duration) error {
	logrus.Debugf("%s: Cover.Open for %s", s.name, duration)
	return s.call(ctx, "Cover.Open", durationParams{ID: s.id, Duration: duration.Seconds()})
}

func (s *Cover) MoveClose(ctx context.Context, duration time.Duration) error {
	logrus.Debugf("%s: Cover.Close for %s", s.name, duration)
	return s.call(ctx, "Cover.Close", durationParams{ID: s.id, Duration: duration.Seconds()})
}

func (s *Cover) Stop(ctx context.Context) error {
	logrus.Debugf("%s: Cover.Stop", s.name)
	return s.call(ctx, "Cover.Stop", idParams{ID: s.id})
}

func (s *Cover) Status(ctx context.Context) (cover.Status, error) {
	var status coverStatus
	if err := s.client.Call(ctx, "Cover.GetStatus", idParams{ID: s.id}, &status); err != nil {
		return cover.Status{}, errors.Wrapf(err, "%s", s.name)
	}
	if status.CurrentPos == nil {
		return cover.Status{}, errors.Errorf("%s: position unknown, cover is not calibrated", s.name)
	}

	return cover.Status{CurrentPos: *status.CurrentPos, State: status.State}, nil
}

func (s *Cover) Subscribe(h cover.EventHandler) func() {
	component := s.component()

	return s.client.Subscribe(func(events []DeviceEvent) {
		for _, e := range events {
			if e.Component != component {
				continue
			}

			kind, ok := eventKinds[e.Event]
			if !ok {
				logrus.Tracef("%s: ignoring %s event", s.name, e.Event)
				continue
			}

			h(cover.Event{Kind: kind, Timestamp: e.Timestamp()})
		}
	})
}

func (s *Cover) call(ctx context.Context, method string, params interface{}) error {
	return errors.Wrapf(s.client.Call(ctx, method, params, nil), "%s", s.name)
}
