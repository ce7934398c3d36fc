package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderTelegramSecret is the header Telegram sets to the secret_token given
// to setWebhook.
const HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"

// WebhookSecret rejects requests whose secret header does not match secret
// with 401. An empty secret disables the check.
func WebhookSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(HeaderTelegramSecret))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			LoggerFrom(c).Warn().Str("remote_ip", c.ClientIP()).Msg("webhook secret mismatch")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "invalid webhook secret",
			})
			return
		}
		c.Next()
	}
}
