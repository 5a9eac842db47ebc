// Package api is the operational HTTP surface of spec.md §6: the five
// batch-control endpoints plus the ambient /healthz and /metrics
// observability endpoints (SPEC_FULL.md §4.8). Structure follows the
// teacher's routes/controllers split (walletserver/routes +
// walletserver/controllers), with a logging + JSON-headers middleware pair
// modelled on walletserver/middleware/logger.go and
// cmd/xchainserver/server/middleware.go's RequestLogger/JSONHeaders.
package api

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// logging logs method, path and latency for every request, mirroring
// walletserver/middleware.Logger but through an injected logger rather than
// the package-level one.
func logging(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"took":   time.Since(start),
			}).Info("batch api request")
		})
	}
}

// jsonHeaders sets Content-Type: application/json on every response,
// mirroring cmd/xchainserver/server/middleware.go's JSONHeaders.
func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
