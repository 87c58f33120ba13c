package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/gate"
	"github.com/example/helpdesk/backend/internal/logging"
)

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		if apperr.CodeOf(err) == "forbidden" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error", "code"}. Unclassified errors are logged and hidden.
func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error(), "code": apperr.CodeOf(err)}
	if status == http.StatusInternalServerError {
		logging.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		body["error"] = "internal error"
	}
	if status == http.StatusUnauthorized {
		body["redirect"] = gate.LoginView
	}
	c.AbortWithStatusJSON(status, body)
}
