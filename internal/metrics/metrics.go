// Package metrics maintains the counters, phase timers and derived rates
// exposed by the /batch/status operational endpoint, mirroring the teacher's
// HealthLogger pattern (prometheus registry + plain struct fields) from
// core/system_health_logging.go.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chainindexer/internal/clock"
)

// Phase is the current-batch phase label, per spec.md §4.5.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhasePreFetch    Phase = "Pre-fetch"
	PhaseStorage     Phase = "Storage"
	PhaseCacheUpdate Phase = "Cache-Update"
	PhaseCompleted   Phase = "Completed"
)

// Metrics holds job-level atomic counters and single-writer batch-level
// phase timestamps, per spec.md §5 ("phase timestamps are written by the
// batch processor only").
type Metrics struct {
	clk clock.Clock

	totalBlocksProcessed     atomic.Int64
	totalAddressesObserved   atomic.Int64
	totalFailedBlocks        atomic.Int64
	consecutiveFailures      atomic.Int64
	totalCompletedBatches    atomic.Int64
	totalBatchDurationNanos  atomic.Int64

	mu               sync.RWMutex
	jobStartedAt     time.Time
	batchSequence    int64
	phase            Phase
	preFetchStart    time.Time
	preFetchEnd      time.Time
	storageStart     time.Time
	storageEnd       time.Time
	cacheUpdateStart time.Time
	cacheUpdateEnd   time.Time
	batchStartedAt   time.Time

	promBlocksProcessed   prometheus.Counter
	promAddressesObserved prometheus.Counter
	promFailedBlocks      prometheus.Counter
	promBatchesCompleted  prometheus.Counter
	promBatchDuration     prometheus.Histogram
}

// New constructs a Metrics and registers its prometheus collectors on reg.
// Pass nil to use the default registerer.
func New(clk clock.Clock, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		clk:   clk,
		phase: PhaseIdle,
		promBlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindexer_blocks_processed_total",
			Help: "Total blocks attempted across all batches.",
		}),
		promAddressesObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindexer_addresses_observed_total",
			Help: "Total distinct-per-block addresses observed across all batches.",
		}),
		promFailedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindexer_failed_blocks_total",
			Help: "Total blocks whose fetch failed.",
		}),
		promBatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainindexer_batches_completed_total",
			Help: "Total batches that ran to completion.",
		}),
		promBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainindexer_batch_duration_seconds",
			Help:    "Batch wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.promBlocksProcessed,
		m.promAddressesObserved,
		m.promFailedBlocks,
		m.promBatchesCompleted,
		m.promBatchDuration,
	)
	return m
}

// StartJob records the job start time, once.
func (m *Metrics) StartJob() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobStartedAt.IsZero() {
		m.jobStartedAt = m.clk.Now()
	}
}

// StartBatch resets the per-batch phase timestamps and records the sequence
// number of the batch now starting.
func (m *Metrics) StartBatch(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchSequence = seq
	m.batchStartedAt = m.clk.Now()
	m.preFetchStart, m.preFetchEnd = time.Time{}, time.Time{}
	m.storageStart, m.storageEnd = time.Time{}, time.Time{}
	m.cacheUpdateStart, m.cacheUpdateEnd = time.Time{}, time.Time{}
}

func (m *Metrics) BeginPreFetch() {
	m.mu.Lock()
	m.phase = PhasePreFetch
	m.preFetchStart = m.clk.Now()
	m.mu.Unlock()
}

func (m *Metrics) EndPreFetch() {
	m.mu.Lock()
	m.preFetchEnd = m.clk.Now()
	m.mu.Unlock()
}

func (m *Metrics) BeginStorage() {
	m.mu.Lock()
	m.phase = PhaseStorage
	m.storageStart = m.clk.Now()
	m.mu.Unlock()
}

func (m *Metrics) EndStorage() {
	m.mu.Lock()
	m.storageEnd = m.clk.Now()
	m.mu.Unlock()
}

func (m *Metrics) BeginCacheUpdate() {
	m.mu.Lock()
	m.phase = PhaseCacheUpdate
	m.cacheUpdateStart = m.clk.Now()
	m.mu.Unlock()
}

func (m *Metrics) EndCacheUpdate() {
	m.mu.Lock()
	m.cacheUpdateEnd = m.clk.Now()
	m.mu.Unlock()
}

// SetPhase forces an explicit phase label, used for the Idle and Completed
// transitions that have no dedicated timer pair.
func (m *Metrics) SetPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// RecordBlock records the outcome of one attempted block fetch. Per
// spec.md §4.6, every planned block is recorded exactly once, including
// ones that failed (addressCount 0, failed true) and ones that produced no
// addresses but succeeded (addressCount 0, failed false).
func (m *Metrics) RecordBlock(addressCount int, failed bool) {
	m.totalBlocksProcessed.Add(1)
	m.totalAddressesObserved.Add(int64(addressCount))
	m.promBlocksProcessed.Inc()
	m.promAddressesObserved.Add(float64(addressCount))
	if failed {
		m.totalFailedBlocks.Add(1)
		m.consecutiveFailures.Add(1)
		m.promFailedBlocks.Inc()
		return
	}
	m.consecutiveFailures.Store(0)
}

// ConsecutiveFailures returns the current consecutive-failed-block streak.
func (m *Metrics) ConsecutiveFailures() int64 {
	return m.consecutiveFailures.Load()
}

// CompleteBatch records the duration of a successfully finished batch.
func (m *Metrics) CompleteBatch(d time.Duration) {
	m.totalCompletedBatches.Add(1)
	m.totalBatchDurationNanos.Add(int64(d))
	m.promBatchesCompleted.Inc()
	m.promBatchDuration.Observe(d.Seconds())
}

// CompleteJob marks the current batch as Completed.
func (m *Metrics) CompleteJob() {
	m.SetPhase(PhaseCompleted)
}

// Snapshot is the combined job-level, batch-level and derived-rate view
// returned by the status endpoint. The cache's own stats are merged in by
// the caller (internal/batch), per spec.md §4.6.
type Snapshot struct {
	TotalBlocksProcessed     int64
	TotalAddressesObserved   int64
	TotalFailedBlocks        int64
	ConsecutiveFailureStreak int64
	TotalCompletedBatches    int64
	AvgBatchDuration         time.Duration

	BatchSequence    int64
	Phase            Phase
	PreFetchStart    time.Time
	PreFetchEnd      time.Time
	StorageStart     time.Time
	StorageEnd       time.Time
	CacheUpdateStart time.Time
	CacheUpdateEnd   time.Time

	BlocksPerSecond        float64
	AddressesPerSecond     float64
	EstimatedTimeRemaining time.Duration
}

// Snapshot assembles the current metrics view.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	completed := m.totalCompletedBatches.Load()
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(m.totalBatchDurationNanos.Load() / completed)
	}

	elapsed := 0.0
	if !m.jobStartedAt.IsZero() {
		elapsed = m.clk.Since(m.jobStartedAt).Seconds()
	}
	var blocksPerSec, addressesPerSec float64
	if elapsed > 0 {
		blocksPerSec = float64(m.totalBlocksProcessed.Load()) / elapsed
		addressesPerSec = float64(m.totalAddressesObserved.Load()) / elapsed
	}

	var eta time.Duration
	if completed > 0 && !m.batchStartedAt.IsZero() {
		currentElapsed := m.clk.Since(m.batchStartedAt)
		eta = avg - currentElapsed
		if eta < 0 {
			eta = 0
		}
	}

	return Snapshot{
		TotalBlocksProcessed:     m.totalBlocksProcessed.Load(),
		TotalAddressesObserved:   m.totalAddressesObserved.Load(),
		TotalFailedBlocks:        m.totalFailedBlocks.Load(),
		ConsecutiveFailureStreak: m.consecutiveFailures.Load(),
		TotalCompletedBatches:    completed,
		AvgBatchDuration:         avg,
		BatchSequence:            m.batchSequence,
		Phase:                    m.phase,
		PreFetchStart:            m.preFetchStart,
		PreFetchEnd:              m.preFetchEnd,
		StorageStart:             m.storageStart,
		StorageEnd:               m.storageEnd,
		CacheUpdateStart:         m.cacheUpdateStart,
		CacheUpdateEnd:           m.cacheUpdateEnd,
		BlocksPerSecond:          blocksPerSec,
		AddressesPerSecond:       addressesPerSec,
		EstimatedTimeRemaining:   eta,
	}
}
