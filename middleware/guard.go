package middleware

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/gatekeeper"
)

// Mode selects how much a guard checks beyond the access token.
type Mode int

const (
	// ModeJWTOnly verifies the token signature and claims only.
	ModeJWTOnly Mode = iota
	// ModeStrict also requires the session to still exist.
	ModeStrict
)

// Guard authenticates the bearer token and stores the result with
// gatekeeper.WithAuthResult.
func Guard(engine *gatekeeper.Engine, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, gatekeeper.ErrEngineNotReady)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				WriteError(w, gatekeeper.ErrUnauthorized)
				return
			}

			res, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}

			if mode == ModeStrict {
				if err := engine.TouchSession(r.Context(), res.SessionID); err != nil {
					if gatekeeper.KindOf(err) == gatekeeper.KindNotFound {
						err = gatekeeper.ErrSessionExpired
					}
					WriteError(w, err)
					return
				}
			}

			ctx := gatekeeper.WithAuthResult(r.Context(), res)
			if res.TenantID != "" {
				ctx = gatekeeper.WithTenantID(ctx, res.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
