package routes

import (
	"example.com/atlas/services/orchestrator/api/handlers"
	"example.com/atlas/services/orchestrator/internal/orchestration"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(r *gin.Engine, app *orchestration.App) {
	// Health check
	r.GET("/health", handlers.HealthCheck)

	// API routes
	api := r.Group("/api/v1")

	eventHandler := handlers.NewEventHandler(app.Bus)
	api.POST("/events", eventHandler.Publish)

	triggerHandler := handlers.NewTriggerHandler(app.Trigger)
	api.POST("/triggers", triggerHandler.Fire)

	inboundHandler := handlers.NewInboundHandler(app.Inbound)
	api.POST("/webhooks/inbound/:source", inboundHandler.Receive)

	opsHandler := handlers.NewOpsHandler(app.Breaker, app.Metrics, app.Search)
	api.GET("/circuit-breakers", opsHandler.CircuitBreakers)
	api.GET("/metrics", opsHandler.Metrics)
	api.GET("/dead-letters", opsHandler.DeadLetters)
}
