package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

// EnqueueJob handles POST /api/v1/jobs
// Publishes a job for the worker, optionally held back until run_at
func (h *OpsHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	payload, err := h.decodePayload(req.Kind, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	now := h.now()
	runAt := now.Add(time.Duration(req.DelaySeconds) * time.Second)
	if req.RunAt != "" {
		runAt, err = time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "run_at must be an RFC 3339 timestamp",
			})
			return
		}
	}
	delay := runAt.Sub(now)
	if delay < 0 {
		delay = 0
	}

	jobID, err := h.jobs.Enqueue(c.Request.Context(), req.Kind, payload, delay)
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("kind", req.Kind),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueJobResponse{
		JobID: jobID,
		Kind:  req.Kind,
		RunAt: now.Add(delay).UTC().Format(time.RFC3339),
	})
}

// decodePayload checks raw against the payload shape of kind.
func (h *OpsHandler) decodePayload(kind string, raw json.RawMessage) (any, error) {
	var payload any
	switch kind {
	case domain.JobKindReminder:
		payload = &domain.ReminderPayload{}
	case domain.JobKindSendMessage:
		payload = &domain.SendMessagePayload{}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJobKind, kind)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := h.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return payload, nil
}
