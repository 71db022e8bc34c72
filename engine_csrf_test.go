package gatekeeper

import (
	"context"
	"errors"
	"testing"
)

func TestCSRFSingleUseAndRotation(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	ctx := context.Background()

	token, err := h.engine.IssueCSRF(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("IssueCSRF failed: %v", err)
	}

	next, err := h.engine.VerifyCSRF(ctx, res.Session.ID, token, token)
	if err != nil {
		t.Fatalf("VerifyCSRF failed: %v", err)
	}
	if next == "" || next == token {
		t.Fatal("expected a rotated value")
	}

	if _, err := h.engine.VerifyCSRF(ctx, res.Session.ID, token, token); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected replayed value rejected, got %v", err)
	}
	if _, err := h.engine.VerifyCSRF(ctx, res.Session.ID, next, next); err != nil {
		t.Fatalf("rotated value should verify: %v", err)
	}
}

func TestCSRFDoubleSubmitMismatch(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	ctx := context.Background()

	token, err := h.engine.IssueCSRF(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("IssueCSRF failed: %v", err)
	}
	cases := []struct{ cookie, header string }{
		{token, ""},
		{"", token},
		{token, token + "x"},
	}
	for _, tc := range cases {
		_, err := h.engine.VerifyCSRF(ctx, res.Session.ID, tc.cookie, tc.header)
		mustKind(t, err, KindCSRFInvalid)
	}

	// rejected attempts do not consume the stored value
	if _, err := h.engine.VerifyCSRF(ctx, res.Session.ID, token, token); err != nil {
		t.Fatalf("value should still verify: %v", err)
	}
}

func TestCSRFBoundToSession(t *testing.T) {
	h := newHarness(t, nil)
	a := h.login(t)
	b := h.login(t)
	ctx := context.Background()

	token, err := h.engine.IssueCSRF(ctx, a.Session.ID)
	if err != nil {
		t.Fatalf("IssueCSRF failed: %v", err)
	}
	if _, err := h.engine.VerifyCSRF(ctx, b.Session.ID, token, token); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected cross-session value rejected, got %v", err)
	}
}

func TestCSRFReissueInvalidatesPrevious(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	ctx := context.Background()

	old, _ := h.engine.IssueCSRF(ctx, res.Session.ID)
	fresh, err := h.engine.IssueCSRF(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("IssueCSRF failed: %v", err)
	}
	if _, err := h.engine.VerifyCSRF(ctx, res.Session.ID, old, old); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected old value rejected, got %v", err)
	}
	if _, err := h.engine.VerifyCSRF(ctx, res.Session.ID, fresh, fresh); err != nil {
		t.Fatalf("fresh value should verify: %v", err)
	}
}

func TestCSRFRequired(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		method, path string
		want         bool
	}{
		{"GET", "/v1/sessions", false},
		{"HEAD", "/v1/sessions", false},
		{"OPTIONS", "/v1/sessions", false},
		{"POST", "/v1/sessions/terminate-others", true},
		{"DELETE", "/v1/sessions/abc", true},
		{"POST", "/v1/auth/login", false},
		{"POST", "/v1/otp/send", false},
		{"POST", "/v1/webhooks/stripe", false},
		{"POST", "/v1/auth/logout", true},
	}
	for _, tc := range cases {
		if got := h.engine.CSRFRequired(tc.method, tc.path); got != tc.want {
			t.Fatalf("CSRFRequired(%s %s)=%v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
	cookie, header := h.engine.CSRFNames()
	if cookie != "csrf_token" || header != "X-CSRF-Token" {
		t.Fatalf("unexpected names %q %q", cookie, header)
	}
}
