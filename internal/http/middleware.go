package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/gate"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/roles"
	"github.com/example/helpdesk/backend/internal/service"
)

const callerKey = "helpdesk.caller"

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Next()

		ev := logging.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logging.Error()
		}
		ev.Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// authenticate verifies the bearer token and resolves the caller's role. Websocket clients
// may pass the token as the access_token query parameter.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("access_token")
		}
		id, err := s.verifier.Verify(token)
		if err != nil {
			respondError(c, err)
			return
		}
		role := s.resolver.Resolve(c.Request.Context(), id)
		c.Set(callerKey, service.Caller{Identity: id, Role: role})
		c.Next()
	}
}

// requireRole admits only callers the access gate renders for required.
func (s *Server) requireRole(required models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFrom(c)
		if !ok {
			respondError(c, apperr.Auth("unauthenticated", "authentication required"))
			return
		}
		id := caller.Identity
		out := gate.Decide(required, roles.State{Identity: &id, Role: caller.Role})
		switch out.Decision {
		case gate.Render:
			c.Next()
		case gate.RedirectLogin:
			respondError(c, apperr.Auth("unauthenticated", "authentication required"))
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    string(required) + " role required",
				"code":     "forbidden",
				"redirect": out.Location,
			})
		}
	}
}

func callerFrom(c *gin.Context) (service.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return service.Caller{}, false
	}
	caller, ok := v.(service.Caller)
	return caller, ok
}

func mustCaller(c *gin.Context) service.Caller {
	caller, _ := callerFrom(c)
	return caller
}
