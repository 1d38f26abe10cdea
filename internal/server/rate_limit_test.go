package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	auditcontext "github.com/smallbiznis/credo/internal/auditcontext"
	"github.com/smallbiznis/credo/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeyLimiter struct {
	res     *ratelimit.RateLimitResult
	err     error
	calls   int
	lastKey string
}

func (f *fakeKeyLimiter) AllowKey(_ context.Context, keyID string) (*ratelimit.RateLimitResult, error) {
	f.calls++
	f.lastKey = keyID
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func newRateLimitRouter(srv *Server, actorID string, reached *bool) *gin.Engine {
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/probe",
		func(c *gin.Context) {
			if actorID != "" {
				ctx := auditcontext.WithActor(c.Request.Context(), "api_key", actorID)
				c.Request = c.Request.WithContext(ctx)
			}
		},
		srv.RateLimited(),
		func(c *gin.Context) {
			*reached = true
			c.JSON(http.StatusOK, gin.H{"data": "ok"})
		},
	)
	return router
}

func TestRateLimitedAllowsWithinBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeKeyLimiter{res: &ratelimit.RateLimitResult{Allowed: true, Remaining: 9}}
	srv := &Server{limiter: limiter}

	reached := false
	router := newRateLimitRouter(srv, "12345", &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Equal(t, "12345", limiter.lastKey)
}

func TestRateLimitedRejectsWhenExhausted(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeKeyLimiter{res: &ratelimit.RateLimitResult{
		Allowed:    false,
		RetryAfter: 2 * time.Second,
	}}
	srv := &Server{limiter: limiter}

	reached := false
	router := newRateLimitRouter(srv, "12345", &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, reached)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	payload := decodeError(t, rec)
	assert.Equal(t, "rate_limited", payload.Type)
}

func TestRateLimitedRetryAfterNeverZero(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeKeyLimiter{res: &ratelimit.RateLimitResult{Allowed: false}}
	srv := &Server{limiter: limiter}

	reached := false
	router := newRateLimitRouter(srv, "12345", &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimitedFailsOpenOnLimiterError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeKeyLimiter{err: context.DeadlineExceeded}
	srv := &Server{limiter: limiter}

	reached := false
	router := newRateLimitRouter(srv, "12345", &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
}

func TestRateLimitedSkipsWithoutLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{}

	reached := false
	router := newRateLimitRouter(srv, "12345", &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
}

func TestRateLimitedSkipsWithoutKeyIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := &fakeKeyLimiter{res: &ratelimit.RateLimitResult{Allowed: false}}
	srv := &Server{limiter: limiter}

	reached := false
	router := newRateLimitRouter(srv, "", &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Zero(t, limiter.calls)
}
