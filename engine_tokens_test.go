package gatekeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoginIssuesValidAccessToken(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)

	auth, err := h.engine.ValidateAccess(context.Background(), res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if auth.UserID != "u1" || auth.TenantID != "t1" {
		t.Fatalf("unexpected subject %+v", auth)
	}
	if auth.SessionID != res.Session.ID || auth.SessionID != res.Tokens.SessionID {
		t.Fatalf("expected session %q, got %q", res.Session.ID, auth.SessionID)
	}
	if got := res.Tokens.AccessExpiresAt.Sub(h.clock.Now()); got != 15*time.Minute {
		t.Fatalf("expected 15m access ttl, got %s", got)
	}
	if got := res.Tokens.RefreshExpiresAt.Sub(h.clock.Now()); got != 7*24*time.Hour {
		t.Fatalf("expected 7d refresh ttl, got %s", got)
	}
}

func TestLoginRememberMeUsesLongRefreshTTL(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.engine.Login(context.Background(), LoginRequest{
		Identifier: "alice@example.com",
		Password:   "correct horse",
		RememberMe: true,
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if got := res.Tokens.RefreshExpiresAt.Sub(h.clock.Now()); got != 30*24*time.Hour {
		t.Fatalf("expected 30d refresh ttl, got %s", got)
	}
}

func TestLoginWrongPasswordIsInvalidCredentials(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Login(context.Background(), LoginRequest{Identifier: "alice@example.com", Password: "nope"})
	mustKind(t, err, KindInvalidCredentials)

	_, err = h.engine.Login(context.Background(), LoginRequest{Identifier: "bob@example.com", Password: "nope"})
	mustKind(t, err, KindInvalidCredentials)
}

func TestValidateAccessExpiredIsSessionExpired(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)

	h.clock.Advance(16 * time.Minute)
	_, err := h.engine.ValidateAccess(context.Background(), res.Tokens.AccessToken)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	_, err = h.engine.ValidateAccess(context.Background(), "not-a-token")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	h.clock.Advance(time.Second)

	next, err := h.engine.Refresh(context.Background(), res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if next.RefreshToken == res.Tokens.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if next.SessionID != res.Session.ID {
		t.Fatalf("expected session to carry over, got %q", next.SessionID)
	}
	if _, err := h.engine.ValidateAccess(context.Background(), next.AccessToken); err != nil {
		t.Fatalf("rotated access token invalid: %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), next.RefreshToken); err != nil {
		t.Fatalf("second rotation failed: %v", err)
	}
}

func TestRefreshGarbageIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Refresh(context.Background(), "garbage")
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
	mustKind(t, err, KindUnauthorized)
}

func TestRefreshReuseRevokesFamilyAndNotifies(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	ctx := WithClientIP(context.Background(), "198.51.100.7")

	next, err := h.engine.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	_, err = h.engine.Refresh(ctx, res.Tokens.RefreshToken)
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	mustKind(t, err, KindRefreshReuseDetected)

	// the token issued before reuse was noticed is dead too
	if _, err := h.engine.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid after family revoke, got %v", err)
	}
	if _, err := h.engine.GetSession(ctx, res.Session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session terminated, got %v", err)
	}

	select {
	case n := <-h.notes.ch:
		if n.Type != NotificationRefreshReuse || n.UserID != "u1" || n.SessionID != res.Session.ID {
			t.Fatalf("unexpected notification %+v", n)
		}
		if n.IP != "198.51.100.7" {
			t.Fatalf("expected client ip on notification, got %q", n.IP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reuse notification")
	}

	// a second replay must not notify again
	_, _ = h.engine.Refresh(ctx, res.Tokens.RefreshToken)
	select {
	case n := <-h.notes.ch:
		t.Fatalf("unexpected second notification %+v", n)
	case <-time.After(100 * time.Millisecond):
	}

	if got := h.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected]; got < 1 {
		t.Fatalf("expected reuse metric, got %d", got)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []TokenPair
		reuse   int
	)
	start := make(chan struct{})
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			pair, err := h.engine.Refresh(context.Background(), res.Tokens.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, pair)
			case errors.Is(err, ErrRefreshReuse):
				reuse++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if reuse != workers-1 {
		t.Fatalf("expected %d reuse errors, got %d", workers-1, reuse)
	}
	if _, err := h.engine.Refresh(context.Background(), winners[0].RefreshToken); err == nil {
		t.Fatal("expected the winner's token to die with the revoked family")
	}
}

func TestConcurrentRefreshPairAlwaysHasWinner(t *testing.T) {
	for round := 0; round < 25; round++ {
		h := newHarness(t, nil)
		res := h.login(t)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  [2]error
		)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = h.engine.Refresh(context.Background(), res.Tokens.RefreshToken)
			}(i)
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, ErrRefreshReuse):
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: expected one winner, got %d (errs %v)", round, wins, errs)
		}
	}
}

func TestIssueTokensRevokesPreviousFamily(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)
	ident, _ := h.identities.GetIdentity(context.Background(), "u1")

	pair, err := h.engine.IssueTokens(context.Background(), ident, res.Session.ID)
	if err != nil {
		t.Fatalf("IssueTokens failed: %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), res.Tokens.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected superseded family to be revoked, got %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("new family should rotate: %v", err)
	}
}

func TestIssueTokensUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	ident, _ := h.identities.GetIdentity(context.Background(), "u1")
	_, err := h.engine.IssueTokens(context.Background(), ident, "missing")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestRefreshAfterLogoutFails(t *testing.T) {
	h := newHarness(t, nil)
	res := h.login(t)

	if err := h.engine.Logout(context.Background(), res.Session.ID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := h.engine.Refresh(context.Background(), res.Tokens.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid after logout, got %v", err)
	}
}
