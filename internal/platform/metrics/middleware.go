package metrics

import (
	"net/http"
	"time"
)

// RequestMiddleware returns chi-compatible middleware that counts requests and
// records how long the last one took to handle (microseconds).
func RequestMiddleware(s *Sink) func(next http.Handler) http.Handler {
	requests := s.Gauge(HTTPRequests, "Total number of HTTP requests")
	duration := s.Gauge(HandleDuration, "Total time it took to handle a request")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Inc()
			start := time.Now()
			next.ServeHTTP(w, r)
			duration.SetDuration(time.Since(start))
		})
	}
}
