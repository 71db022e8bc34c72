package middleware

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
)

// RequireJWTOnly accepts any unexpired access token without a store call. A
// terminated session keeps working until its access token expires.
func RequireJWTOnly(engine *gatekeeper.Engine) func(http.Handler) http.Handler {
	return Guard(engine, ModeJWTOnly)
}
