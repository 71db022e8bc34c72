package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/internal/rate"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMiddlewareHeaders(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *gatekeeper.Config) {
		cfg.RateLimit.Rules[gatekeeper.CategoryUpload] = rate.Rule{Window: time.Minute, Limit: 2}
	})
	h := ClientContext(RateLimit(engine, gatekeeper.CategoryUpload, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	require.Greater(t, reset, time.Now().Unix())

	require.Equal(t, http.StatusOK, do().Code)

	rec = do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retry, 1)
	require.LessOrEqual(t, retry, 60)
	require.Equal(t, string(gatekeeper.KindRateLimited), decodeError(t, rec).Error)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	require.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "pipe"
	require.Equal(t, "pipe", ClientIP(req))
}

func TestRetryAfterRoundsUp(t *testing.T) {
	require.Equal(t, "1", retryAfterSeconds(0))
	require.Equal(t, "2", retryAfterSeconds(1500*time.Millisecond))
	require.Equal(t, "60", retryAfterSeconds(time.Minute))
}
