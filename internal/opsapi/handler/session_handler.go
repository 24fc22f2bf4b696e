package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
	"github.com/yurilozorio/rah-sub001/internal/session"
)

// GetSession handles GET /api/v1/session
// Returns the session state and, while pairing, the QR code to scan.
func (h *OpsHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, toSessionResponse(h.session.Snapshot()))
}

// RelinkSession handles POST /api/v1/session/relink
// Restarts pairing after the linked device logged out.
func (h *OpsHandler) RelinkSession(c *gin.Context) {
	h.logger.Info("RelinkSession called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	err := h.session.Relink(c.Request.Context())
	switch {
	case errors.Is(err, session.ErrRelinkNotAllowed):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"state": string(h.session.Snapshot().State),
		})
		return
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": err.Error(),
		})
		return
	case err != nil:
		h.logger.Error("Failed to relink session", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to relink session",
		})
		return
	}

	c.JSON(http.StatusAccepted, toSessionResponse(h.session.Snapshot()))
}

func toSessionResponse(snap session.Snapshot) dto.SessionResponse {
	resp := dto.SessionResponse{
		State:     string(snap.State),
		Since:     snap.Since.UTC().Format(time.RFC3339),
		QRCode:    snap.QRCode,
		LastError: snap.LastError,
	}
	if snap.Device != nil {
		resp.Device = &dto.DeviceDTO{
			DeviceID:     snap.Device.DeviceID,
			BusinessName: snap.Device.BusinessName,
			Platform:     snap.Device.Platform,
			PairedAt:     snap.Device.PairedAt.UTC().Format(time.RFC3339),
		}
	}
	return resp
}
