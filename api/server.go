package api

import (
	"context"
	"net/http"

	"example.com/atlas/services/orchestrator/api/middleware"
	"example.com/atlas/services/orchestrator/api/routes"
	"example.com/atlas/services/orchestrator/internal/orchestration"

	"github.com/gin-gonic/gin"
)

// Server represents the HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server over an initialized orchestration
// stack.
func NewServer(app *orchestration.App) *Server {
	if app.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Tracing(app.Tracer))

	routes.SetupRoutes(router, app)

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         app.Config.ServerAddress,
			Handler:      router,
			ReadTimeout:  app.Config.ServerTimeout,
			WriteTimeout: app.Config.ServerTimeout,
		},
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
