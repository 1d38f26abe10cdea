package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/credo/internal/config"
)

const apiKeyPrefix = "credo:ratelimit:key:"

// APILimiter throttles requests per API key. A nil limiter allows
// everything, so deployments without Redis or without configured limits
// run unthrottled.
type APILimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewAPILimiter(cfg config.Config) *APILimiter {
	limits := cfg.RateLimit
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" || limits.KeyRate <= 0 || limits.KeyBurst <= 0 {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})

	return &APILimiter{
		bucket: NewTokenBucket(client),
		rate:   limits.KeyRate,
		burst:  limits.KeyBurst,
	}
}

func (l *APILimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowKey spends one token from the bucket belonging to keyID.
func (l *APILimiter) AllowKey(ctx context.Context, keyID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, apiKeyPrefix+strings.TrimSpace(keyID), l.rate, l.burst)
}
