package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/version"
)

// HealthCheck is one dependency probe inside the health response.
type HealthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	LLMMode  string                 `json:"llm_mode"`
	Checks   map[string]HealthCheck `json:"checks"`
	Registry map[string]any         `json:"registry"`
}

// handleHealth reports process liveness plus dependency status. The
// endpoint stays 200 while degraded; orchestration only restarts on
// 503.
func (s *Server) handleHealth(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "healthy",
		Version:  version.GitCommit,
		LLMMode:  s.llmMode,
		Checks:   map[string]HealthCheck{},
		Registry: s.registry.Stats(),
	}

	if err := database.Health(ctx, s.store); err != nil {
		resp.Status = "unhealthy"
		resp.Checks["database"] = HealthCheck{Status: "unhealthy", Error: err.Error()}
	} else {
		resp.Checks["database"] = HealthCheck{Status: "healthy"}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}
