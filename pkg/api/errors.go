package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelia/codelia/pkg/services"
)

// writeServiceError maps service-layer errors to HTTP responses.
func writeServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: validErr.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, &ErrorResponse{Error: "resource not found"})
	case errors.Is(err, services.ErrSessionActive):
		c.JSON(http.StatusConflict, &ErrorResponse{Error: "session has an active run"})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "internal server error"})
	}
}
