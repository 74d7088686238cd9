package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/events"
	"github.com/grading-agent/backend/internal/metrics"
	"github.com/grading-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	publisher *events.Publisher
}

func NewWebSocketHandler(publisher *events.Publisher) *WebSocketHandler {
	return &WebSocketHandler{
		publisher: publisher,
	}
}

// HandleConnection streams one job's progress events over a websocket. The
// client may pass last_event_id as a query parameter to resume.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	jobID := c.Params("id")

	logger.Info("WebSocket connection established", zap.String("job_id", jobID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("job_id", jobID))
	}()

	var lastSeq uint64
	if raw := c.Query("last_event_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.sendError(c, "Invalid last event id")
			return
		}
		lastSeq = parsed
	}

	sub, err := h.publisher.Subscribe(jobID, lastSeq)
	if err != nil {
		if errors.Is(err, events.ErrReplayWindowExceeded) {
			h.sendError(c, "Requested events fell out of the replay window; re-fetch job state")
		} else {
			logger.Error("Failed to subscribe", zap.String("job_id", jobID), zap.Error(err))
			h.sendError(c, "Failed to open event stream")
		}
		return
	}
	defer sub.Cancel()

	metrics.EventSubscribers.Inc()
	defer metrics.EventSubscribers.Dec()

	// Drain the read side so client close frames surface promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.C:
			if err := c.WriteJSON(ev); err != nil {
				logger.Error("Failed to write event", zap.String("job_id", jobID), zap.Error(err))
				return
			}
		case <-closed:
			return
		case <-sub.Done():
			return
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
