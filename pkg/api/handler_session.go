package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelia/codelia/pkg/models"
)

// createSessionHandler handles POST /api/v1/sessions. Sessions also come
// into existence implicitly on the first run, so this is mostly for clients
// that want the id up front.
func (s *Server) createSessionHandler(c *gin.Context) {
	state, err := s.sessions.CreateSession(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	sessions, err := s.sessions.ListSessions(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.SessionSummary{}
	}
	c.JSON(http.StatusOK, &SessionListResponse{Sessions: sessions})
}

// getSessionHandler handles GET /api/v1/sessions/:session_id. Returns the
// full persisted snapshot, message history included.
func (s *Server) getSessionHandler(c *gin.Context) {
	state, err := s.sessions.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:session_id.
func (s *Server) deleteSessionHandler(c *gin.Context) {
	if err := s.sessions.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// cancelSessionHandler handles POST /api/v1/sessions/:session_id/cancel. It
// requests cancellation of every queued or running run on the session.
func (s *Server) cancelSessionHandler(c *gin.Context) {
	sessionID := c.Param("session_id")

	cancelled, err := s.sessions.CancelActiveRuns(c.Request.Context(), sessionID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	c.JSON(http.StatusOK, &CancelSessionResponse{
		SessionID:     sessionID,
		CancelledRuns: cancelled,
	})
}
