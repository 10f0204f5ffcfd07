package shield

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Header pairs applied to every response.
type Header struct {
	Name, Value string
}

// DefaultHeaders returns the header set for the node API. Replayed pages
// are served under a sandboxed CSP so archived scripts never run with the
// node's origin.
func DefaultHeaders() []Header {
	return []Header{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "sandbox; default-src 'self' data: blob:; frame-ancestors 'none'"},
	}
}

// SecurityHeaders sets headers before the handler runs. Empty values are
// skipped.
func SecurityHeaders(headers []Header) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range headers {
				if kv.Value != "" {
					h.Set(kv.Name, kv.Value)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadToGet routes HEAD requests to GET handlers. The handler sees a GET
// clone while the server keeps the original HEAD request, so the body is
// still dropped on the wire and Content-Length survives.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		get := r.Clone(r.Context())
		get.Method = http.MethodGet
		next.ServeHTTP(w, get)
	})
}

// MaxBody caps request bodies at maxBytes. A declared Content-Length over
// the cap is answered 413 without calling the handler; chunked bodies fail
// on read with *http.MaxBytesError. A non-positive maxBytes disables it.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "body exceeds " + strconv.FormatInt(maxBytes, 10) + " bytes",
				})
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
