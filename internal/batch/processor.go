// Package batch implements the pre-fetch batch processor: the orchestrator
// that reads the chain's high-water mark, fans block fetches out to a
// worker pool, writes the discovered addresses, and advances the
// high-water mark — all behind a single-flight latch, per spec.md §4.6.
// The worker-pool and single-flight-latch idioms are grounded on the
// teacher's core/fault_tolerance.go HealthChecker loop and the
// polymarket-indexer syncer's processBatch worker split
// (other_examples/bf1d3b0f_0xkanth-polymarket-indexer__internal-syncer-syncer.go.go).
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"chainindexer/internal/cache"
	"chainindexer/internal/clock"
	"chainindexer/internal/metrics"
	"chainindexer/internal/rpc"
	"chainindexer/internal/store"
)

// JobState is the coarse outcome of the most recently completed (or
// in-flight) batch.
type JobState string

const (
	JobIdle    JobState = "Idle"
	JobRunning JobState = "Running"
	JobStopped JobState = "Stopped"
	JobErrored JobState = "Errored"
)

// RPCClient is the subset of *rpc.Client the processor depends on.
type RPCClient interface {
	FetchBlock(ctx context.Context, blockNumber uint64) (*rpc.Block, error)
}

// Limiter is the subset of *ratelimiter.Limiter the processor depends on.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Cache is the subset of *cache.AddressCache the processor depends on.
type Cache interface {
	CheckAndBoost(address string) bool
	AddAll(addresses map[string]struct{})
	DecayAndEvict()
	StatsSnapshot() cache.Stats
	ResetBatchCounters()
}

// Store is the subset of *store.Store the processor depends on.
type Store interface {
	LoadChainByExternalID(ctx context.Context, externalID string) (*store.Chain, error)
	Upsert(ctx context.Context, addresses map[string]struct{}, chainRowID int64) error
	AdvanceHighWaterMark(ctx context.Context, chainRowID int64, newNextBlockNumber uint64) error
	InsertFailureLog(ctx context.Context, chainExternalID string, blockNumber uint64, statusCode string, errMessage string) error
}

// BulkTuner is implemented by stores that support the optional
// session-level tuning hints around the storage phase (spec.md §4.4). It
// is checked for separately from Store so fakes in tests need not
// implement it.
type BulkTuner interface {
	TuneForBulk(ctx context.Context)
	ResetTuning(ctx context.Context)
}

// Config holds the batch.* options from spec.md §6.
type Config struct {
	BatchSize              int
	MaxConcurrentRPCCalls  int
	ChainExternalID        string
	PrefetchEnabled        bool
	MaxConsecutiveFailures int
}

// Snapshot merges the metrics snapshot, the cache snapshot and the job
// state, exactly what GET /batch/status returns.
type Snapshot struct {
	Metrics  metrics.Snapshot
	Cache    cache.Stats
	JobState JobState
}

// Processor is the Batch Processor.
type Processor struct {
	cfg     Config
	rpc     RPCClient
	limiter Limiter
	cache   Cache
	store   Store
	metrics *metrics.Metrics
	clk     clock.Clock
	log     *logrus.Logger

	running       atomic.Bool
	stopRequested atomic.Bool
	batchSeq      atomic.Int64
	jobState      atomic.Value // JobState
	circuitOpen   atomic.Bool
}

// New constructs a Processor.
func New(cfg Config, rpcClient RPCClient, limiter Limiter, c Cache, st Store, m *metrics.Metrics, clk clock.Clock, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Processor{cfg: cfg, rpc: rpcClient, limiter: limiter, cache: c, store: st, metrics: m, clk: clk, log: log}
	p.jobState.Store(JobIdle)
	return p
}

// IsRunning reports whether a batch is currently in flight.
func (p *Processor) IsRunning() bool { return p.running.Load() }

// RequestStop sets the cooperative stop flag observed between phases.
func (p *Processor) RequestStop() { p.stopRequested.Store(true) }

// CircuitOpen reports whether the consecutive-failure circuit breaker
// (spec.md §9 Open Question 3) is currently refusing new batches.
func (p *Processor) CircuitOpen() bool { return p.circuitOpen.Load() }

// ResetCircuitBreaker clears the circuit breaker so the next scheduler
// tick or manual trigger may start a batch again. Intended to be called by
// an operator after investigating a sustained failure streak.
func (p *Processor) ResetCircuitBreaker() { p.circuitOpen.Store(false) }

// JobState returns JobRunning while a batch is in flight, otherwise the
// outcome of the most recently completed batch.
func (p *Processor) JobState() JobState {
	v, _ := p.jobState.Load().(JobState)
	if v == "" {
		return JobIdle
	}
	return v
}

// GetMetrics returns the combined status snapshot.
func (p *Processor) GetMetrics() Snapshot {
	return Snapshot{Metrics: p.metrics.Snapshot(), Cache: p.cache.StatsSnapshot(), JobState: p.JobState()}
}

// ProcessBatch performs at most one batch. Concurrent invocations beyond
// the first return nil immediately without doing any work — the
// single-flight latch below. The latch release runs unconditionally so a
// panic or early return can never leak it.
func (p *Processor) ProcessBatch(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		p.stopRequested.Store(false)
		p.running.Store(false)
	}()

	if !p.cfg.PrefetchEnabled {
		return nil
	}

	if p.circuitOpen.Load() {
		p.log.Warn("batch: consecutive-failure circuit breaker is open, refusing to start a new batch")
		return nil
	}

	p.jobState.Store(JobRunning)
	p.metrics.StartJob()
	seq := p.batchSeq.Add(1)
	p.metrics.StartBatch(seq)
	batchStart := p.clk.Now()

	chain, err := p.store.LoadChainByExternalID(ctx, p.cfg.ChainExternalID)
	if err != nil {
		p.jobState.Store(JobErrored)
		p.log.WithError(err).Error("batch: failed to load chain row")
		return fmt.Errorf("load chain: %w", err)
	}
	startBlock := chain.NextBlockNumber
	p.cache.ResetBatchCounters()

	p.metrics.BeginPreFetch()
	blockSets := p.preFetch(ctx, chain, startBlock)
	p.metrics.EndPreFetch()

	// Open Question 3 (spec.md §9): a sustained streak of per-block
	// failures does not abort this batch — that would contradict §7's
	// "no per-block failure stops the batch" rule — but it does trip a
	// breaker that keeps the *next* batch from starting until an operator
	// calls ResetCircuitBreaker. Concurrency and the rate limiter are left
	// untouched.
	if p.cfg.MaxConsecutiveFailures > 0 && p.metrics.ConsecutiveFailures() >= int64(p.cfg.MaxConsecutiveFailures) {
		p.log.WithField("streak", p.metrics.ConsecutiveFailures()).Warn("batch: consecutive-failure threshold reached, opening circuit breaker for future batches")
		p.circuitOpen.Store(true)
	}

	if p.stopRequested.Load() {
		p.jobState.Store(JobStopped)
		p.metrics.SetPhase(metrics.PhaseIdle)
		return nil
	}

	p.metrics.BeginStorage()
	union := unionAddresses(blockSets)
	missSet := make(map[string]struct{}, len(union))
	for addr := range union {
		if !p.cache.CheckAndBoost(addr) {
			missSet[addr] = struct{}{}
		}
	}
	if tuner, ok := p.store.(BulkTuner); ok {
		tuner.TuneForBulk(ctx)
	}
	upsertErr := p.store.Upsert(ctx, missSet, chain.RowID)
	if tuner, ok := p.store.(BulkTuner); ok {
		tuner.ResetTuning(ctx)
	}
	if upsertErr != nil {
		p.jobState.Store(JobErrored)
		p.log.WithError(upsertErr).Error("batch: bulk address upsert failed, aborting storage phase")
		return fmt.Errorf("upsert: %w", upsertErr)
	}
	p.metrics.EndStorage()

	p.metrics.BeginCacheUpdate()
	p.cache.AddAll(missSet)
	p.metrics.EndCacheUpdate()

	newNext := startBlock + uint64(p.cfg.BatchSize)
	if err := p.store.AdvanceHighWaterMark(ctx, chain.RowID, newNext); err != nil {
		p.jobState.Store(JobErrored)
		return fmt.Errorf("advance high-water mark: %w", err)
	}

	stats := p.cache.StatsSnapshot()
	p.log.WithFields(logrus.Fields{
		"chain":          p.cfg.ChainExternalID,
		"batch":          seq,
		"cache_hits":     stats.Hits,
		"cache_misses":   stats.Misses,
		"skipped_writes": stats.SkippedDBOps,
		"cache_size":     stats.Size,
	}).Info("batch cache performance")

	p.metrics.CompleteBatch(p.clk.Since(batchStart))
	p.metrics.CompleteJob()
	p.jobState.Store(JobIdle)
	return nil
}

// preFetch fans startBlock..startBlock+batchSize-1 out to a worker pool of
// size MaxConcurrentRPCCalls, each task acquiring a rate-limit token before
// fetching. All tasks are awaited before this returns (the pre-fetch
// phase's happens-before edge into storage).
func (p *Processor) preFetch(ctx context.Context, chain *store.Chain, startBlock uint64) []map[string]struct{} {
	n := p.cfg.BatchSize
	results := make([]map[string]struct{}, n)

	sem := make(chan struct{}, p.cfg.MaxConcurrentRPCCalls)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if p.stopRequested.Load() {
			results[i] = map[string]struct{}{}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.fetchOne(ctx, chain, startBlock+uint64(i))
		}(i)
	}
	wg.Wait()
	return results
}

// fetchOne runs one block fetch and records its outcome in metrics and,
// on failure, the FailureLog.
func (p *Processor) fetchOne(ctx context.Context, chain *store.Chain, blockNumber uint64) map[string]struct{} {
	if err := p.limiter.Acquire(ctx); err != nil {
		p.metrics.RecordBlock(0, true)
		p.logFailure(ctx, chain, blockNumber, rpc.ClassTransport.String(), err)
		return map[string]struct{}{}
	}

	blk, err := p.rpc.FetchBlock(ctx, blockNumber)
	if err != nil {
		p.metrics.RecordBlock(0, true)
		p.logFailure(ctx, chain, blockNumber, classifyStatusCode(err), err)
		return map[string]struct{}{}
	}

	p.metrics.RecordBlock(len(blk.Addresses), false)
	return blk.Addresses
}

func (p *Processor) logFailure(ctx context.Context, chain *store.Chain, blockNumber uint64, statusCode string, err error) {
	if insertErr := p.store.InsertFailureLog(ctx, chain.ExternalID, blockNumber, statusCode, err.Error()); insertErr != nil {
		p.log.WithError(insertErr).WithField("block", blockNumber).Warn("batch: failed to record failure log row")
	}
}

// classifyStatusCode maps an rpc.ClassifiedError onto the status.status_code
// catalogue key documented in internal/store/schema.go (spec.md §3/§6: a
// string FK into a pre-seeded catalogue, not an arbitrary numeric code — an
// upstream JSON-RPC error code like -32000 would never match a fixed seed
// row). The numeric upstream code, if any, travels in the error message
// instead (see rpc.ClassifiedError.Error).
func classifyStatusCode(err error) string {
	var ce *rpc.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class.String()
	}
	return rpc.ClassTransport.String()
}

func unionAddresses(sets []map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for a := range s {
			out[a] = struct{}{}
		}
	}
	return out
}
