// README: Base handler utilities (JSON helpers, id checks, domain error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"refuge/internal/modules/alert"
	"refuge/internal/modules/allocation"
	"refuge/internal/modules/shelter"
	"refuge/internal/modules/simulation"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts 1-64 chars of letters, digits, '-' and '_'.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module sentinel errors to status codes. Anything else
// is logged and reported as an internal error.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, allocation.ErrInvalidRequest),
		errors.Is(err, simulation.ErrBadRequest),
		errors.Is(err, shelter.ErrInvalidShelter):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, alert.ErrNotFound), errors.Is(err, shelter.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, alert.ErrInactive), errors.Is(err, allocation.ErrDuplicateRequest):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, allocation.ErrShuttingDown), errors.Is(err, context.Canceled):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, "request timed out")
	default:
		zap.L().Named("http").Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
