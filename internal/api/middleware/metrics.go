package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/ticketgate/internal/metrics"
)

// Metrics records request counts and latency labelled by the matched chi
// route pattern, so /api/{product} stays one series per product route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
