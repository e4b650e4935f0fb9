package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/services"
)

// handleCreateSession starts a new run: POST /api/v1/sessions.
func (s *Server) handleCreateSession(c *echo.Context) error {
	id, err := s.resolveIdentity(c)
	if err != nil {
		return err
	}

	var req models.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return services.E(services.CodeBadRequest, "invalid request body")
	}

	// Playing as another user is an authoring affordance.
	if req.UserID != "" && !id.Author {
		return services.E(services.CodeForbidden, "user_id override requires the author token")
	}

	sess, err := s.sessions.Create(c.Request().Context(), req, id.UserRef)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

// handleGetSession returns the session snapshot: GET /api/v1/sessions/:id.
func (s *Server) handleGetSession(c *echo.Context) error {
	id, err := s.resolveIdentity(c)
	if err != nil {
		return err
	}

	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"), id.actorRef())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}
