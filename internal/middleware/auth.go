package middleware

import (
	"crypto/subtle"
	"net/http"

	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
	"github.com/getmu/control-plane/internal/pkg/response"
)

// TerminalSecretHeader carries the shared secret for local terminal and
// editor callers of the control API.
const TerminalSecretHeader = "X-Mu-Terminal-Secret"

// SharedSecret guards the control API with a constant-time header comparison.
// An empty configured secret means the deployment is local-only and the check
// is skipped.
func SharedSecret(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get(TerminalSecretHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					response.Error(w, cperrors.ErrUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
