package server

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	auditcontext "github.com/smallbiznis/credo/internal/auditcontext"
	"github.com/smallbiznis/credo/internal/ratelimit"
)

// keyRateLimiter is the slice of ratelimit.APILimiter the middleware needs.
type keyRateLimiter interface {
	AllowKey(ctx context.Context, keyID string) (*ratelimit.RateLimitResult, error)
}

// RateLimited throttles authenticated traffic per API key. It runs after
// APIKeyRequired, which put the key identity on the request context. A
// limiter store outage fails open: briefly unmetered traffic beats
// rejecting the whole API.
func (s *Server) RateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		_, keyID := auditcontext.ActorFromContext(c.Request.Context())
		if keyID == "" {
			c.Next()
			return
		}

		res, err := s.limiter.AllowKey(c.Request.Context(), keyID)
		if err != nil {
			_ = c.Error(err)
			c.Next()
			return
		}
		if res.Allowed {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
