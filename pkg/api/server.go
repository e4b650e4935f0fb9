// Package api is the HTTP surface of the engine: session endpoints,
// the step endpoints (synchronous and SSE), health and metrics. All
// domain errors cross this boundary as services.Error values and are
// translated to HTTP in exactly one place, the echo error handler.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyloom/loom/pkg/services"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/story"
	"github.com/storyloom/loom/pkg/telemetry"
)

// AuthConfig carries the identity settings of the HTTP surface. Empty
// token values disable the corresponding gate.
type AuthConfig struct {
	PlayerToken    string
	AuthorToken    string
	JWTSecret      string
	DefaultUserRef string
}

// Server wires the handlers into an echo router wrapped by a plain
// http.Server for lifecycle control.
type Server struct {
	echo *echo.Echo
	http *http.Server

	sessions  *services.SessionService
	steps     *services.StepService
	store     store.Store
	registry  *story.Registry
	telemetry *telemetry.Sink
	llmMode   string
	auth      AuthConfig
}

// NewServer builds the router and registers all routes.
func NewServer(
	sessions *services.SessionService,
	steps *services.StepService,
	st store.Store,
	registry *story.Registry,
	sink *telemetry.Sink,
	llmMode string,
	auth AuthConfig,
) *Server {
	s := &Server{
		sessions:  sessions,
		steps:     steps,
		store:     st,
		registry:  registry,
		telemetry: sink,
		llmMode:   llmMode,
		auth:      auth,
	}

	e := echo.New()
	e.HTTPErrorHandler = errorHandler
	e.Use(requestLogger())
	e.Use(securityHeaders())

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/step", s.handleStep)
	v1.POST("/sessions/:id/step/stream", s.handleStepStream)

	s.echo = e
	s.http = &http.Server{Handler: e}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving HTTP on addr until Shutdown or a listener
// failure. http.ErrServerClosed is swallowed as the normal exit.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	slog.Info("HTTP server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleMetrics serves the engine's own prometheus registry.
func (s *Server) handleMetrics(c *echo.Context) error {
	h := promhttp.HandlerFor(s.telemetry.Registry(), promhttp.HandlerOpts{})
	h.ServeHTTP(c.Response(), c.Request())
	return nil
}
