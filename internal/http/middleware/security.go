package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var exposedHeaders = []string{requestIDHeader, "ETag", "Idempotency-Replayed"}

// mediaCSP neutralizes relayed contact uploads: an HTML or SVG file served
// from the media routes runs in an opaque sandbox with no script or fetch.
const mediaCSP = "default-src 'none'; img-src 'self'; media-src 'self'; sandbox"

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	EnableHSTS   bool          // only when traffic is HTTPS end-to-end
	HSTSMaxAge   time.Duration // defaults to 180 days
	NoStore      bool          // Cache-Control: no-store on non-media responses
	EnablePolicy bool          // Permissions-Policy and X-Permitted-Cross-Domain-Policies
	// MediaPrefix marks the locally served attachment routes (e.g. "/media/").
	MediaPrefix string
}

// SecurityHeaders sets nosniff, DENY framing and no-referrer on every
// response plus the optional headers selected in opt. HSTS is only sent on
// HTTPS requests.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		media := opt.MediaPrefix != "" && strings.HasPrefix(c.Request.URL.Path, opt.MediaPrefix)
		switch {
		case media:
			h.Set("Content-Security-Policy", mediaCSP)
			// Operator consoles on another origin embed attachments.
			h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		case opt.NoStore:
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get(requestIDHeader) != "" {
			h.Set("Access-Control-Expose-Headers", mergeHeaderList(h.Get("Access-Control-Expose-Headers"), exposedHeaders))
		}

		c.Next()
	}
}

// mergeHeaderList appends the names missing from a comma-separated header
// value, keeping the existing order.
func mergeHeaderList(cur string, names []string) string {
	for _, name := range names {
		if strings.Contains(cur, name) {
			continue
		}
		if cur != "" {
			cur += ", "
		}
		cur += name
	}
	return cur
}

// isHTTPS reports whether the request arrived over TLS or through a proxy
// that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
