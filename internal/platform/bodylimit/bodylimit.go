// Package bodylimit rejects oversized request bodies before routing.
package bodylimit

import "net/http"

// DefaultMax is the request body limit of every HTTP endpoint.
const DefaultMax = 10 << 20

// Middleware answers 413 when the declared Content-Length is max or more.
// Bodies without a declared length are capped at max bytes when read.
func Middleware(max int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength >= max {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
