package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/event"
	"github.com/classpulse/classpulse/internal/rkey"
)

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// MirrorEvent republishes a live event on the course's Redis pub/sub channel
// so external consumers (dashboards, recording jobs) can follow along without
// holding an SSE connection. Mirrored delivery is unordered; the in-process
// hub remains the ordered feed.
func (a *API) MirrorEvent(ctx context.Context, e event.Event) error {
	var course string
	switch ev := e.(type) {
	case domain.EventSessionStarted:
		course = ev.Session.Course
	case domain.EventSessionStopped:
		course = ev.Course
	case domain.EventQuestionOpened:
		course = ev.Course
	case domain.EventQuestionClosed:
		course = ev.Course
	case domain.EventTallyUpdated:
		course = ev.Course
	case domain.EventRevealChanged:
		course = ev.Course
	case domain.EventNewQuestion:
		course = ev.Course
	default:
		return fmt.Errorf("pubsub: unknown event type %T", e)
	}

	return a.publishNotification(ctx, course, e.Name(), e)
}

func (a *API) publishNotification(ctx context.Context, course, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, rkey.EventsChannel(course), b).Err()
}
