package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
)

const healthCheckTimeout = 2 * time.Second

// Health handles GET /health
// The process is healthy while the queue and the database are reachable. The
// session state is reported but never fails the check.
func (h *OpsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:   "healthy",
		Service:  h.service,
		Session:  string(h.session.Snapshot().State),
		Queue:    "up",
		Database: "up",
	}
	code := http.StatusOK

	if !h.queue.IsConnected() {
		resp.Queue = "down"
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	if err := h.db.HealthCheck(ctx); err != nil {
		h.logger.Warn("Database health check failed", slog.String("error", err.Error()))
		resp.Database = "down"
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	if h.guard != nil {
		resp.DeliveryGuard = "up"
		if err := h.guard.HealthCheck(ctx); err != nil {
			h.logger.Warn("Delivery guard health check failed", slog.String("error", err.Error()))
			resp.DeliveryGuard = "down"
			if code == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}

	c.JSON(code, resp)
}
