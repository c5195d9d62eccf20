package status

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the status API.
//
// Route layout:
//
//	GET /healthz             – liveness probe (no authentication required)
//	GET /api/v1/rules        – rule table snapshot (JWT when a key is set)
//	GET /api/v1/history      – recent spawn records (JWT when a key is set)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable authentication (local-only deployments
// and tests).
func NewRouter(srv *Server, pubKey *rsa.PublicKey, issuer, audience string) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(JWTConfig{
				PublicKey: pubKey,
				Issuer:    issuer,
				Audience:  audience,
				Logger:    srv.logger,
			}))
		}

		r.Get("/rules", srv.handleGetRules)
		r.Get("/history", srv.handleGetHistory)
	})

	return r
}
