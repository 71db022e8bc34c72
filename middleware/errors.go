package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/gatekeeper"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError renders err as {"error": kind, "message": ...} with the status
// of its kind. Internal errors never leak their text.
func WriteError(w http.ResponseWriter, err error) {
	kind := gatekeeper.KindOf(err)
	if kind == "" {
		kind = gatekeeper.KindInternal
	}
	msg := err.Error()
	if kind == gatekeeper.KindInternal || kind == gatekeeper.KindUnavailable {
		msg = http.StatusText(gatekeeper.HTTPStatus(kind))
	}

	var rl *gatekeeper.RateLimitError
	if errors.As(err, &rl) {
		writeRateHeaders(w, rl.Decision)
		w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(gatekeeper.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(errorBody{Error: string(kind), Message: msg})
}

func writeRateHeaders(w http.ResponseWriter, d gatekeeper.RateDecision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
