package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/crm-sync/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	// Echo of X-Request-ID for correlating with server logs
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable code from errors.go
	Code string `json:"code" example:"not_found"`
	// Safe to show to operators
	Message string `json:"message" example:"thread not found"`
}

// errorRule maps a service sentinel to an HTTP response.
type errorRule struct {
	target  error
	status  int
	code    string
	message string
}

func rule(target error, status int, code, message string) errorRule {
	return errorRule{target: target, status: status, code: code, message: message}
}

// failErr answers with the first rule whose sentinel matches err. Unmatched
// errors become a 500 carrying fallbackCode.
func failErr(c *gin.Context, err error, fallbackCode string, rules ...errorRule) {
	for _, r := range rules {
		if errors.Is(err, r.target) {
			fail(c, r.status, r.code, r.message)
			return
		}
	}
	fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
}

// fail aborts with an ErrorResponse. 5xx responses are logged through the
// request-scoped logger; 502 is a downstream channel failure and logs at warn.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		ev := lg.Error()
		if status == http.StatusBadGateway {
			ev = lg.Warn()
		}
		ev.Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
