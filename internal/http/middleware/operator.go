package middleware

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOperatorID carries the id of the CRM operator making an API call.
// Authentication happens upstream; this service only records the id.
const HeaderOperatorID = "X-Operator-ID"

const ctxKeyOperatorID = "operatorID"

// AnonymousOperator is used when no operator id was supplied.
const AnonymousOperator = "anonymous"

var operatorIDRE = regexp.MustCompile(`^[A-Za-z0-9._@\-]{1,64}$`)

// OperatorID stores the caller's operator id in the Gin context. Malformed
// ids are treated as absent.
func OperatorID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderOperatorID)); operatorIDRE.MatchString(id) {
			c.Set(ctxKeyOperatorID, id)
		}
		c.Next()
	}
}

// OperatorFrom returns the operator id set by OperatorID or AnonymousOperator.
func OperatorFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyOperatorID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return AnonymousOperator
}
