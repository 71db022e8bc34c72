package middleware

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
)

// CSRF enforces double submission on mutating requests. It must run after a
// guard so the session is known. The rotated value is returned in the
// response header and cookie.
func CSRF(engine *gatekeeper.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, gatekeeper.ErrEngineNotReady)
				return
			}
			if !engine.CSRFRequired(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			res, ok := gatekeeper.AuthResultFromContext(r.Context())
			if !ok {
				WriteError(w, gatekeeper.ErrUnauthorized)
				return
			}

			cookieName, headerName := engine.CSRFNames()
			var cookieValue string
			if c, err := r.Cookie(cookieName); err == nil {
				cookieValue = c.Value
			}

			rotated, err := engine.VerifyCSRF(r.Context(), res.SessionID, cookieValue, r.Header.Get(headerName))
			if err != nil {
				WriteError(w, err)
				return
			}

			SetCSRFCookie(w, cookieName, rotated)
			w.Header().Set(headerName, rotated)
			next.ServeHTTP(w, r)
		})
	}
}

// SetCSRFCookie writes the double-submit cookie. It is readable by scripts
// so the client can echo it in the header.
func SetCSRFCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}
