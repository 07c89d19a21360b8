package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler upgrades GET /ws and hands the socket to the ConnectionManager.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		c.JSON(http.StatusServiceUnavailable, &ErrorResponse{Error: "websocket streaming not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist once the deploy
		// story settles on a frontend origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the socket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
