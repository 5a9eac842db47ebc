package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"chainindexer/internal/batch"
	"chainindexer/internal/cache"
)

// Processor is the subset of *batch.Processor the HTTP surface depends on.
type Processor interface {
	IsRunning() bool
	RequestStop()
	GetMetrics() batch.Snapshot
	ProcessBatch(ctx context.Context) error
}

// Cache is the subset of *cache.AddressCache the memory-status and
// cache-cleanup handlers depend on.
type Cache interface {
	StatsSnapshot() cache.Stats
	DecayAndEvict()
}

// Controller holds the collaborators the five batch-control endpoints (plus
// the ambient /healthz and /metrics endpoints) dispatch to, mirroring the
// teacher's controller-holds-a-service shape
// (walletserver/controllers.WalletController).
type Controller struct {
	processor Processor
	cache     Cache
	log       *logrus.Logger
}

// NewController constructs a Controller.
func NewController(p Processor, c Cache, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{processor: p, cache: c, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StartBatch handles POST /batch/start. If no batch is in flight it
// launches one asynchronously and returns 200; if one is already running
// it returns 400, per spec.md §6.
func (c *Controller) StartBatch(w http.ResponseWriter, r *http.Request) {
	if c.processor.IsRunning() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batch already running"})
		return
	}
	go func() {
		if err := c.processor.ProcessBatch(context.Background()); err != nil {
			c.log.WithError(err).Error("api: batch invocation returned an error")
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// StopBatch handles POST /batch/stop. Sets the stop flag on the active
// batch; 200 on accept, 400 if idle, per spec.md §6.
func (c *Controller) StopBatch(w http.ResponseWriter, r *http.Request) {
	if !c.processor.IsRunning() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no batch is running"})
		return
	}
	c.processor.RequestStop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

// Status handles GET /batch/status, returning the metrics snapshot merged
// with cache stats, per spec.md §4.5/§6.
func (c *Controller) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.processor.GetMetrics())
}

// memoryStatus is the payload for GET /batch/memory-status.
type memoryStatus struct {
	UsedBytes    uint64      `json:"used_bytes"`
	FreeBytes    uint64      `json:"free_bytes"`
	MaxBytes     uint64      `json:"max_bytes"`
	UsedPercent  float64     `json:"used_percent"`
	CacheSummary cache.Stats `json:"cache"`
}

// MemoryStatus handles GET /batch/memory-status: used/free/max/percent
// heap use plus the cache's own memory view, per spec.md §6.
func (c *Controller) MemoryStatus(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := debug.SetMemoryLimit(-1)
	status := memoryStatus{
		UsedBytes:    ms.HeapAlloc,
		CacheSummary: c.cache.StatsSnapshot(),
	}
	if limit > 0 && limit != math.MaxInt64 {
		status.MaxBytes = uint64(limit)
		if uint64(limit) > ms.HeapAlloc {
			status.FreeBytes = uint64(limit) - ms.HeapAlloc
		}
		status.UsedPercent = float64(ms.HeapAlloc) / float64(limit) * 100
	}
	writeJSON(w, http.StatusOK, status)
}

// CacheCleanup handles POST /batch/cache-cleanup: forces one decayAndEvict
// pass and returns the resulting snapshot, per spec.md §6.
func (c *Controller) CacheCleanup(w http.ResponseWriter, r *http.Request) {
	c.cache.DecayAndEvict()
	writeJSON(w, http.StatusOK, c.cache.StatsSnapshot())
}

// Healthz handles GET /healthz: a dependency-free liveness probe distinct
// from /batch/status, which reflects batch state rather than process
// health (SPEC_FULL.md §4.8 / Supplemented Features 1).
func (c *Controller) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
