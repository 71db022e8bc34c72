package gatekeeper

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper/session"
)

func TestSessionCapEvictsOldest(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Sessions.MaxPerUser = 2
	})

	first := h.login(t)
	h.advance(time.Minute)
	second := h.login(t)
	h.advance(time.Minute)
	third := h.login(t)

	if len(third.Evicted) != 1 || third.Evicted[0] != first.Session.ID {
		t.Fatalf("expected %q evicted, got %v", first.Session.ID, third.Evicted)
	}
	if _, err := h.engine.Refresh(context.Background(), first.Tokens.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected evicted session's family revoked, got %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), second.Tokens.RefreshToken); err != nil {
		t.Fatalf("surviving session should refresh: %v", err)
	}

	list, err := h.engine.ListSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(list))
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricSessionEvicted]; got != 1 {
		t.Fatalf("expected 1 eviction metric, got %d", got)
	}
}

func TestSessionCapRejectPolicy(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Sessions.MaxPerUser = 1
		cfg.Sessions.Overflow = session.OverflowReject
	})

	first := h.login(t)
	_, err := h.engine.Login(context.Background(), LoginRequest{Identifier: "alice@example.com", Password: "correct horse"})
	if !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}
	if HTTPStatus(KindOf(err)) != 409 {
		t.Fatalf("expected conflict status, got %d", HTTPStatus(KindOf(err)))
	}
	if _, err := h.engine.GetSession(context.Background(), first.Session.ID); err != nil {
		t.Fatalf("existing session must survive a rejected login: %v", err)
	}
}

func TestTerminateSessionCascades(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	ctx := context.Background()

	csrfToken, err := h.engine.IssueCSRF(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("IssueCSRF failed: %v", err)
	}

	if err := h.engine.TerminateSession(ctx, res.Session.ID); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if _, err := h.engine.GetSession(ctx, res.Session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.engine.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected refresh family revoked, got %v", err)
	}
	if _, err := h.engine.VerifyCSRF(ctx, res.Session.ID, csrfToken, csrfToken); !errors.Is(err, ErrCSRFInvalid) {
		t.Fatalf("expected csrf value consumed, got %v", err)
	}
	if err := h.engine.TerminateSession(ctx, res.Session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second terminate should report not found, got %v", err)
	}
}

func TestTerminateOtherSessions(t *testing.T) {
	h := newHarness(t, nil)
	a := h.login(t)
	h.advance(time.Second)
	b := h.login(t)
	h.advance(time.Second)
	c := h.login(t)

	n, err := h.engine.TerminateOtherSessions(context.Background(), "u1", b.Session.ID)
	if err != nil {
		t.Fatalf("TerminateOtherSessions failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions terminated, got %d", n)
	}
	for _, gone := range []LoginResult{a, c} {
		if _, err := h.engine.Refresh(context.Background(), gone.Tokens.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("expected %s revoked, got %v", gone.Session.ID, err)
		}
	}
	if _, err := h.engine.Refresh(context.Background(), b.Tokens.RefreshToken); err != nil {
		t.Fatalf("current session must survive: %v", err)
	}
}

func TestListSessionsMarksCurrent(t *testing.T) {
	h := newHarness(t, nil)
	a := h.login(t)
	h.advance(time.Second)
	b := h.login(t)

	auth, err := h.engine.ValidateAccess(context.Background(), a.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	ctx := WithAuthResult(context.Background(), auth)
	list, err := h.engine.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	for _, s := range list {
		if s.Current != (s.ID == a.Session.ID) {
			t.Fatalf("wrong current flag on %s", s.ID)
		}
		if s.ID != a.Session.ID && s.ID != b.Session.ID {
			t.Fatalf("unexpected session %s", s.ID)
		}
	}
}

func TestSessionFlagsNewDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	res, err := h.engine.Login(context.Background(), LoginRequest{
		Identifier: "alice@example.com",
		Password:   "correct horse",
		Device:     Device{Fingerprint: "fp-other", IP: "192.0.2.44", UserAgent: "test"},
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	flags := res.Session.SuspiciousFlags
	if !slices.Contains(flags, session.FlagNewDevice) || !slices.Contains(flags, session.FlagNewNetwork) {
		t.Fatalf("expected new device and network flags, got %v", flags)
	}
}

func TestTouchSessionUnknown(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.TouchSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionIdleExpiry(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Sessions.IdleTTL = time.Hour
	})
	res := h.login(t)

	h.advance(2 * time.Hour)
	if _, err := h.engine.GetSession(context.Background(), res.Session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), res.Tokens.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}
