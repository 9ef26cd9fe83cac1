package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/FireDesk/firegate/internal/account"
)

// RateLimitMiddleware applies the per-account HTTP token bucket. This
// sits in front of every request; the fire channel's sliding-window
// limiter is a separate, stricter check inside the router.
func RateLimitMiddleware(am *account.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, ok := CurrentAccount(c)
		if !ok {
			// AuthMiddleware should have caught this already
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		limiter := am.HTTPLimiter(acc.UserID)
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
