package ratelimit

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaypoint/relaypoint/pkg/middleware"
	"github.com/relaypoint/relaypoint/pkg/response"
)

// Identifier picks the rate-limit identity for a request: the
// authenticated user id when present, else the first client IP from
// forwarding headers, else the transport peer address.
func Identifier(c *gin.Context) string {
	if userID := middleware.GetUserID(c); userID != "" {
		return userID
	}

	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		// First value wins when the header carries a chain.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}

	return c.ClientIP()
}

// Middleware returns a gin middleware enforcing the limiter. Denied
// requests receive 429 with machine-readable remaining-budget and
// reset-time so clients can back off correctly.
func Middleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := Identifier(c)
		ctx := c.Request.Context()

		allowed := limiter.Allow(ctx, id)
		remaining := limiter.Remaining(ctx, id)
		reset := limiter.ResetTime(ctx, id)

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(reset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.TooManyRequests(c, "rate limit exceeded", retryAfter)
			c.Abort()
			return
		}

		c.Next()
	}
}
