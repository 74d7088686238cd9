package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/idempotency"
	"github.com/grading-agent/backend/internal/job"
	"github.com/grading-agent/backend/internal/metrics"
	"github.com/grading-agent/backend/pkg/logger"
	"github.com/grading-agent/backend/pkg/utils"
)

type SubmissionHandler struct {
	jobs *job.Manager
	idem *idempotency.Manager
}

func NewSubmissionHandler(jobs *job.Manager, idem *idempotency.Manager) *SubmissionHandler {
	return &SubmissionHandler{
		jobs: jobs,
		idem: idem,
	}
}

// HandleSubmit accepts a grading submission. Single-page submissions are
// answered on the request itself; larger ones get a 202 and the async job
// protocol. The Idempotency-Key header makes retries safe: the same key with
// the same payload always lands on the same job.
func (h *SubmissionHandler) HandleSubmit(c *fiber.Ctx) error {
	var req struct {
		Subject  string   `json:"subject"`
		Strict   bool     `json:"strict"`
		PageURLs []string `json:"page_urls"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse submission body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Subject == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Subject is required",
		})
	}
	if len(req.PageURLs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one page URL is required",
		})
	}

	idemKey := c.Get("Idempotency-Key")
	fingerprint := utils.FingerprintPayload(req.Subject, req.Strict, req.PageURLs)
	jobID := uuid.New().String()

	claimed := false
	if idemKey != "" && h.idem != nil {
		outcome, ownerJobID, err := h.idem.Submit(c.Context(), idemKey, fingerprint, jobID)
		if err != nil {
			logger.Error("Idempotency check failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to process submission",
			})
		}

		switch outcome {
		case idempotency.OutcomeConflict:
			metrics.JobsSubmitted.WithLabelValues(string(idempotency.OutcomeConflict)).Inc()
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":  "Idempotency key already used with a different payload",
				"job_id": ownerJobID,
			})
		case idempotency.OutcomeExisting:
			metrics.JobsSubmitted.WithLabelValues(string(idempotency.OutcomeExisting)).Inc()
			return h.respondExisting(c, ownerJobID)
		}
		claimed = true
	}

	if err := h.jobs.Submit(c.Context(), job.SubmitRequest{
		JobID:          jobID,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
		Subject:        req.Subject,
		Strict:         req.Strict,
		PageURLs:       req.PageURLs,
	}); err != nil {
		if claimed {
			// The key must not stay mapped to a job that never came to exist,
			// or every retry would be answered with a dead reference.
			if rerr := h.idem.Release(c.Context(), idemKey); rerr != nil {
				logger.Error("Failed to release idempotency key", zap.String("key", idemKey), zap.Error(rerr))
			}
		}
		logger.Error("Failed to submit job", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process submission",
		})
	}

	metrics.JobsSubmitted.WithLabelValues(string(idempotency.OutcomeNew)).Inc()

	if h.jobs.Sync(len(req.PageURLs)) {
		if err := h.jobs.Wait(c.Context(), jobID); err != nil {
			logger.Error("Synchronous grading interrupted", zap.Error(err))
			return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
				"error":  "Grading did not finish in time",
				"job_id": jobID,
			})
		}

		snap, err := h.jobs.Get(c.Context(), jobID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load grading result",
			})
		}
		return c.JSON(snap)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"status": string(job.StatusQueued),
	})
}

// respondExisting answers a retried submission with the job the key already
// owns, whatever state it is in.
func (h *SubmissionHandler) respondExisting(c *fiber.Ctx, jobID string) error {
	snap, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		// The job may live on another node; the reference is still valid.
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"job_id": jobID,
		})
	}

	if snap.Status.Terminal() {
		return c.JSON(snap)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"status": string(snap.Status),
	})
}
