package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
	"github.com/yurilozorio/rah-sub001/internal/worker/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListAppointmentEvents handles GET /api/v1/appointments/:appointment_id/events
// Lists delivery events newest first with cursor pagination
func (h *OpsHandler) ListAppointmentEvents(c *gin.Context) {
	appointmentID := c.Param("appointment_id")

	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeEventCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	events, err := h.events.ListAppointmentEvents(c.Request.Context(), storage.EventFilter{
		AppointmentID: appointmentID,
		Type:          req.Type,
		PageSize:      req.PageSize,
		Cursor:        cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list appointment events", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list appointment events",
		})
		return
	}

	hasMore := len(events) > req.PageSize
	if hasMore {
		events = events[:req.PageSize]
	}

	eventResponse := make([]dto.EventDTO, len(events))
	for i, event := range events {
		eventResponse[i] = dto.EventDTO{
			EventID:       event.ID,
			AppointmentID: event.AppointmentID,
			Type:          event.Type,
			CreatedAt:     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}

	var nextCursor string
	if hasMore {
		last := events[len(events)-1]
		nextCursor = EncodeEventCursor(&storage.EventCursor{
			CreatedAt: last.CreatedAt,
			EventID:   last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListEventsResponse{
		Events:     eventResponse,
		NextCursor: nextCursor,
	})
}
