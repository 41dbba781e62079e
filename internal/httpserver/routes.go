package httpserver

import (
	"github.com/go-chi/chi/v5"
)

// Groups are the route groups of the public router. Each carries the
// interceptors of its class; handlers registered on it inherit them.
type Groups struct {
	// Public: per-ip limits, no authentication.
	Public chi.Router
	// API: authenticated, per-user limits, idempotent mutations.
	API chi.Router
	// Internal: authenticated with the admin ability, strict limits.
	Internal chi.Router
	// Webhook: per-ip limits, idempotent deliveries.
	Webhook chi.Router
	// ReadOnly: cacheable GETs with Cache-Control and ETag.
	ReadOnly chi.Router
	// Dynamic: class picked per request from the protected patterns and
	// the caller's authentication.
	Dynamic chi.Router
}

// RouteRegistrar attaches handlers to the route groups.
type RouteRegistrar interface {
	RegisterRoutes(g Groups)
}
