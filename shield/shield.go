// Package shield provides the HTTP middleware in front of a warcfed node's
// routes: security headers, body limits, request tracing, HEAD handling and
// per-IP rate limiting of federation endpoints.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(64 << 20) {
//	    r.Use(mw)
//	}
//	r.With(shield.NewRateLimiter(rules).Middleware).Post("/federation/handshake", h)
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack for a node.
// Middleware is ordered: HeadToGet → SecurityHeaders → MaxBody → TraceID.
func DefaultStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID,
	}
}
