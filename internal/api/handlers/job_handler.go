package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/job"
	"github.com/grading-agent/backend/pkg/logger"
)

type JobHandler struct {
	jobs *job.Manager
}

func NewJobHandler(jobs *job.Manager) *JobHandler {
	return &JobHandler{
		jobs: jobs,
	}
}

// HandleGetJob returns the job snapshot: status, per-page run summaries, and
// whatever results have been published so far.
func (h *JobHandler) HandleGetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")
	if jobID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Job id is required",
		})
	}

	snap, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Job not found",
			})
		}
		logger.Error("Failed to load job", zap.String("job_id", jobID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load job",
		})
	}

	return c.JSON(snap)
}
