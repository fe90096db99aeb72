package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns the CORS policy for the control-plane API. Webhook callers are
// server-to-server and never preflight; this exists for local tooling UIs.
func CORS() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Mu-Terminal-Secret"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

