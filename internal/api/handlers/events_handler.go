package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/events"
	"github.com/grading-agent/backend/internal/metrics"
	"github.com/grading-agent/backend/pkg/logger"
)

type EventsHandler struct {
	publisher *events.Publisher
}

func NewEventsHandler(publisher *events.Publisher) *EventsHandler {
	return &EventsHandler{
		publisher: publisher,
	}
}

// HandleStream serves the job's progress stream as server-sent events. A
// reconnecting client passes its last seen sequence id via the Last-Event-ID
// header (or last_event_id query parameter) and resumes without duplicates or
// gaps; an id below the retention floor gets 410 and must re-fetch job state.
func (h *EventsHandler) HandleStream(c *fiber.Ctx) error {
	jobID := c.Params("id")
	if jobID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Job id is required",
		})
	}

	lastSeq, err := parseLastEventID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid last event id",
		})
	}

	sub, err := h.publisher.Subscribe(jobID, lastSeq)
	if err != nil {
		if errors.Is(err, events.ErrReplayWindowExceeded) {
			return c.Status(fiber.StatusGone).JSON(fiber.Map{
				"error": "Requested events fell out of the replay window; re-fetch job state",
			})
		}
		logger.Error("Failed to subscribe to event stream", zap.String("job_id", jobID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to open event stream",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	metrics.EventSubscribers.Inc()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			sub.Cancel()
			metrics.EventSubscribers.Dec()
		}()

		for {
			select {
			case ev := <-sub.C:
				if err := writeSSE(w, ev); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					// Client went away; the deferred Cancel detaches us.
					return
				}
			case <-sub.Done():
				return
			}
		}
	}))

	return nil
}

func parseLastEventID(c *fiber.Ctx) (uint64, error) {
	raw := c.Get("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// writeSSE emits one event in wire format. Heartbeats carry no id so they
// never disturb the client's resume position.
func writeSSE(w *bufio.Writer, ev events.Event) error {
	if ev.Type == events.TypeHeartbeat {
		_, err := fmt.Fprint(w, ": heartbeat\n\n")
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
