package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classpulse/classpulse/internal/broadcast"
	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/identity"
)

// studentHidden lists event kinds not delivered on student streams: raw tally
// updates before reveal, and incoming free-form questions (they carry the
// submitter's pid).
var studentHidden = map[string]bool{
	domain.EventNameTallyUpdated: true,
	domain.EventNameNewQuestion:  true,
}

// Stream serves the live event feed over SSE. The first event is always a
// state snapshot; subsequent events arrive in publish order with increasing
// sequence numbers.
func (a *API) Stream(c *gin.Context) {
	id := mustIdentity(c)
	ctx := c.Request.Context()

	viewer, err := a.hub.Subscribe(id.Course, func() (string, any, error) {
		return a.qss.Snapshot(ctx, id.Course)
	})
	if err != nil {
		abortError(c, err)
		return
	}
	defer a.hub.Unsubscribe(id.Course, viewer)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abortError(c, errors.New(errors.CodeInternal,
			errors.WithMessagef("streaming unsupported")))
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-viewer.Events():
			if !ok {
				return
			}
			if id.Role == identity.RoleStudent && studentHidden[ev.Kind] {
				continue
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				slog.ErrorContext(ctx, "api: write stream event failed",
					"course", id.Course, "event", ev.Kind, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Kind, err)
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, b)
	return err
}
