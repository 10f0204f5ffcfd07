package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/warcfed/kit"
)

type claimsKey struct{}

// Middleware extracts a peer token from the Authorization Bearer header. If
// valid, the claims are injected into the request context along with
// kit.PeerIDKey. Invalid or missing tokens are ignored here; use RequirePeer
// to enforce. A nil secret disables the middleware.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := BearerToken(r)
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = kit.WithPeerID(ctx, claims.NodeID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GetClaims retrieves the PeerClaims from the context, or nil if absent.
func GetClaims(ctx context.Context) *PeerClaims {
	c, _ := ctx.Value(claimsKey{}).(*PeerClaims)
	return c
}

// RequirePeer rejects requests without valid peer claims with a 401 JSON
// body. When enabled is false every request passes.
func RequirePeer(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetClaims(r.Context()) == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="warcfed"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "peer credential required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
