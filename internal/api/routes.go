package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter configures the HTTP routes for the batch-control API, mirroring
// cmd/xchainserver/server/routes.go's NewRouter shape.
func NewRouter(ctrl *Controller, log *logrus.Logger) *mux.Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := mux.NewRouter()
	r.Use(logging(log))
	r.Use(jsonHeaders)

	r.HandleFunc("/batch/start", ctrl.StartBatch).Methods(http.MethodPost)
	r.HandleFunc("/batch/stop", ctrl.StopBatch).Methods(http.MethodPost)
	r.HandleFunc("/batch/status", ctrl.Status).Methods(http.MethodGet)
	r.HandleFunc("/batch/memory-status", ctrl.MemoryStatus).Methods(http.MethodGet)
	r.HandleFunc("/batch/cache-cleanup", ctrl.CacheCleanup).Methods(http.MethodPost)
	r.HandleFunc("/healthz", ctrl.Healthz).Methods(http.MethodGet)

	// promhttp.Handler sets its own Prometheus exposition content type,
	// which overwrites the jsonHeaders middleware's Content-Type header.
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
