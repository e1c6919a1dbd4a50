package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Handler(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RPS: 0.001, Burst: 2}, createTestLogger())
	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	request := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, request("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, request("10.0.0.1:1001"), "same host, different port")
	assert.Equal(t, http.StatusTooManyRequests, request("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, request("10.0.0.2:1000"), "clients are limited separately")
	assert.Equal(t, 2, limiter.Len())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RPS: 1, Burst: 1, IdleTimeout: time.Minute}, createTestLogger())
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	limiter.getLimiter("old")
	current = current.Add(2 * time.Minute)
	limiter.getLimiter("fresh")

	assert.Equal(t, 1, limiter.Cleanup())
	assert.Equal(t, 1, limiter.Len())
}

func TestRateLimiter_RunCleanupStopsOnCancel(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RPS: 1, Burst: 1}, createTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- limiter.RunCleanup(ctx, time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}

func TestRouter_RateLimitAppliesToUsersRoutes(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RPS: 0.001, Burst: 1}, createTestLogger())
	router := createTestRouter(t, createTestStore(t), RouterOptions{RateLimiter: limiter})

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/rest/users/", nil).Code)
	w := do(t, router, http.MethodGet, "/api/rest/users/", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", nil).Code, "health is not limited")
}
