package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/job"
	"github.com/grading-agent/backend/internal/session"
	"github.com/grading-agent/backend/pkg/logger"
)

type SessionHandler struct {
	sessions *session.Manager
}

func NewSessionHandler(sessions *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
	}
}

// HandleCreateSession opens a coaching session over one finished job.
func (h *SessionHandler) HandleCreateSession(c *fiber.Ctx) error {
	var req struct {
		JobID     string `json:"job_id"`
		LearnerID string `json:"learner_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.JobID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Job id is required",
		})
	}

	sess, err := h.sessions.Create(c.Context(), req.JobID, req.LearnerID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Job not found",
			})
		case errors.Is(err, session.ErrJobNotTerminal):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Job has not finished grading",
			})
		}
		logger.Error("Failed to create session", zap.String("job_id", req.JobID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sess)
}

func (h *SessionHandler) HandleGetSession(c *fiber.Ctx) error {
	sess, err := h.sessions.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found or expired",
			})
		}
		logger.Error("Failed to load session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	return c.JSON(sess)
}

// HandleGetSessionResults returns the graded batch the session is scoped to.
func (h *SessionHandler) HandleGetSessionResults(c *fiber.Ctx) error {
	snap, err := h.sessions.Results(c.Context(), c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found or expired",
			})
		case errors.Is(err, job.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Job not found",
			})
		}
		logger.Error("Failed to load session results", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session results",
		})
	}

	return c.JSON(snap)
}
