package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	opsHandler := handler.NewOpsHandler(deps)

	r.GET("/health", opsHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/session - Session state and pairing QR code
		v1.GET("/session", opsHandler.GetSession)

		// POST /api/v1/session/relink - Start pairing again after logout
		v1.POST("/session/relink", opsHandler.RelinkSession)

		// GET /api/v1/appointments/:appointment_id/events - Delivery audit trail
		v1.GET("/appointments/:appointment_id/events", opsHandler.ListAppointmentEvents)

		// POST /api/v1/jobs - Enqueue a job
		v1.POST("/jobs", opsHandler.EnqueueJob)
	}

	return r
}
