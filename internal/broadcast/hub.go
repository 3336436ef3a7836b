// Package broadcast fans live events out to the viewers of a course's
// session: total order per course, a state snapshot first for late joiners,
// and bounded per-viewer buffers so one stalled viewer never blocks the rest.
package broadcast

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classpulse_broadcast_events_published_total",
		Help: "Events published to course topics.",
	}, []string{"event"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classpulse_broadcast_events_dropped_total",
		Help: "Events dropped from slow viewer buffers.",
	})
)

// Event is one entry on a viewer's stream.
type Event struct {
	Kind      string `json:"event"`
	Seq       uint64 `json:"seq"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
}

// Viewer is one subscribed consumer. Read from Events until it is closed by
// Unsubscribe.
type Viewer struct {
	ch chan Event
}

func (v *Viewer) Events() <-chan Event { return v.ch }

// SnapshotFunc builds the state a late joiner needs to catch up: the live
// session id plus the snapshot payload. Called under the topic lock so the
// snapshot and the viewer registration are atomic with respect to publishes.
type SnapshotFunc func() (sessionID string, data any, err error)

const defaultBufferSize = 64

type Config struct {
	// BufferSize is the per-viewer event buffer. On overflow the oldest
	// buffered event is dropped; viewers reconcile via absolute payloads
	// and sequence numbers.
	BufferSize int
}

type Hub struct {
	bufSize int

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu      sync.Mutex
	seq     uint64
	viewers map[*Viewer]struct{}
}

func NewHub(c Config) *Hub {
	size := c.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	return &Hub{
		bufSize: size,
		topics:  make(map[string]*topic),
	}
}

func (h *Hub) topic(course string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[course]
	if !ok {
		t = &topic{viewers: make(map[*Viewer]struct{})}
		h.topics[course] = t
	}

	return t
}

// Publish delivers an event to every viewer of the course. Events get the
// next sequence number under the topic lock, so every viewer observes the
// same relative order. Publish never blocks on a slow viewer: a full buffer
// sheds its oldest event instead.
func (h *Hub) Publish(course, sessionID, kind string, data any) {
	t := h.topic(course)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev := Event{
		Kind:      kind,
		Seq:       t.seq,
		SessionID: sessionID,
		Data:      data,
	}

	for v := range t.viewers {
		t.send(v, ev)
	}

	publishedTotal.WithLabelValues(kind).Inc()
}

// send is called with the topic lock held; the publisher is the only sender,
// so drop-one-then-retry always terminates.
func (t *topic) send(v *Viewer, ev Event) {
	for {
		select {
		case v.ch <- ev:
			return
		default:
		}

		select {
		case <-v.ch:
			droppedTotal.Inc()
		default:
		}
	}
}

// Subscribe registers a viewer. The snapshot is built and enqueued under the
// topic lock, tagged with the current sequence number, so it is always the
// first event the viewer sees and no later publish can slip in between.
func (h *Hub) Subscribe(course string, snapshot SnapshotFunc) (*Viewer, error) {
	t := h.topic(course)

	t.mu.Lock()
	defer t.mu.Unlock()

	sessionID, data, err := snapshot()
	if err != nil {
		return nil, err
	}

	v := &Viewer{ch: make(chan Event, h.bufSize)}
	v.ch <- Event{
		Kind:      "state_snapshot",
		Seq:       t.seq,
		SessionID: sessionID,
		Data:      data,
	}
	t.viewers[v] = struct{}{}

	return v, nil
}

// Unsubscribe removes a viewer and closes its stream. No effect on session
// state or on delivery to other viewers.
func (h *Hub) Unsubscribe(course string, v *Viewer) {
	t := h.topic(course)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.viewers[v]; !ok {
		return
	}

	delete(t.viewers, v)
	close(v.ch)
}

// Viewers reports the current subscriber count for a course.
func (h *Hub) Viewers(course string) int {
	t := h.topic(course)

	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.viewers)
}
