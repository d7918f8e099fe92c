package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/ratelimit"
)

type Limiter interface {
	Allow(ctx context.Context, scope, clientID string) (*ratelimit.Result, error)
}

// RateLimit limits authenticated callers per scope. Limiter outages fail
// open so a Redis hiccup never blocks sending.
func RateLimit(l Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		clientID := c.ClientIP()
		if v, ok := c.Get(UserIDKey); ok {
			if uid, ok := v.(uint64); ok {
				clientID = strconv.FormatUint(uid, 10)
			}
		}
		res, err := l.Allow(c.Request.Context(), scope, clientID)
		if err != nil {
			log.GetLogger().WithError(err).Warn("rate limiter unavailable")
			c.Next()
			return
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
			common.AbortFail(c, http.StatusTooManyRequests, 42901, "too many requests")
			return
		}
		c.Next()
	}
}
