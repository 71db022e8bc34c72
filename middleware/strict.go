package middleware

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
)

// RequireStrict rejects tokens whose session has been terminated or has
// idled out, and records activity on the session.
func RequireStrict(engine *gatekeeper.Engine) func(http.Handler) http.Handler {
	return Guard(engine, ModeStrict)
}
