package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chainindexer/internal/cache"
	"chainindexer/internal/clock"
	"chainindexer/internal/metrics"
	"chainindexer/internal/rpc"
	"chainindexer/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }
func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) Since(t time.Time) time.Duration { return f.Now().Sub(t) }
func (f *fakeClock) Sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var _ clock.Clock = (*fakeClock)(nil)

type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context) error { return nil }

type gatedRPC struct {
	gate    chan struct{} // closed to release blocked calls; nil means never block
	byBlock func(blockNumber uint64) (*rpc.Block, error)
}

func (g *gatedRPC) FetchBlock(ctx context.Context, blockNumber uint64) (*rpc.Block, error) {
	if g.gate != nil {
		<-g.gate
	}
	return g.byBlock(blockNumber)
}

type fakeStore struct {
	mu            sync.Mutex
	chain         store.Chain
	addresses     map[string]struct{}
	relationships map[string]struct{}
	failureLogs   []string
	upsertErr     error
}

func newFakeStore(externalID string, rowID int64, nextBlock uint64) *fakeStore {
	return &fakeStore{
		chain:         store.Chain{RowID: rowID, ExternalID: externalID, NextBlockNumber: nextBlock},
		addresses:     map[string]struct{}{},
		relationships: map[string]struct{}{},
	}
}

func (s *fakeStore) LoadChainByExternalID(ctx context.Context, externalID string) (*store.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chain
	return &c, nil
}

func (s *fakeStore) Upsert(ctx context.Context, addresses map[string]struct{}, chainRowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for a := range addresses {
		s.addresses[a] = struct{}{}
		s.relationships[fmt.Sprintf("%s:%d", a, chainRowID)] = struct{}{}
	}
	return nil
}

func (s *fakeStore) AdvanceHighWaterMark(ctx context.Context, chainRowID int64, newNextBlockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain.NextBlockNumber = newNextBlockNumber
	return nil
}

func (s *fakeStore) InsertFailureLog(ctx context.Context, chainExternalID string, blockNumber uint64, statusCode string, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureLogs = append(s.failureLogs, fmt.Sprintf("%d:%s:%s", blockNumber, statusCode, errMessage))
	return nil
}

func testCache() *cache.AddressCache {
	return cache.New(cache.Config{
		Enabled:            true,
		MaxSize:            1_000_000,
		DefaultValue:       50,
		DecayAmount:        2,
		LRUEvictionEnabled: true,
		BatchEvictionSize:  10_000,
		MinCacheSize:       100_000,
	})
}

func txBlock(pairs ...[2]string) func(uint64) (*rpc.Block, error) {
	return func(uint64) (*rpc.Block, error) {
		addrs := make(map[string]struct{})
		for _, p := range pairs {
			if p[0] != "" {
				addrs[p[0]] = struct{}{}
			}
			if p[1] != "" {
				addrs[p[1]] = struct{}{}
			}
		}
		return &rpc.Block{Addresses: addrs}, nil
	}
}

// TestEmptyHappyBatch mirrors spec.md §8 scenario S1.
func TestEmptyHappyBatch(t *testing.T) {
	st := newFakeStore("1", 1, 100)
	rpcClient := &gatedRPC{byBlock: func(blockNumber uint64) (*rpc.Block, error) {
		if blockNumber == 100 {
			return txBlock([2]string{"0xA", "0xB"}, [2]string{"0xC", "0xA"})(blockNumber)
		}
		return &rpc.Block{Addresses: map[string]struct{}{}}, nil
	}}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	p := New(Config{BatchSize: 10, MaxConcurrentRPCCalls: 4, ChainExternalID: "1", PrefetchEnabled: true},
		rpcClient, noopLimiter{}, testCache(), st, m, newFakeClock(), nil)

	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st.chain.NextBlockNumber != 110 {
		t.Fatalf("expected next_block_number 110, got %d", st.chain.NextBlockNumber)
	}
	if len(st.addresses) != 3 {
		t.Fatalf("expected 3 addresses, got %v", st.addresses)
	}
	if len(st.relationships) != 3 {
		t.Fatalf("expected 3 relationship rows, got %v", st.relationships)
	}
	snap := m.Snapshot()
	if snap.TotalBlocksProcessed != 10 || snap.TotalAddressesObserved != 3 || snap.TotalFailedBlocks != 0 {
		t.Fatalf("unexpected metrics snapshot: %+v", snap)
	}
}

// TestMixedFailures mirrors spec.md §8 scenario S2.
func TestMixedFailures(t *testing.T) {
	st := newFakeStore("1", 1, 200)
	rpcClient := &gatedRPC{byBlock: func(blockNumber uint64) (*rpc.Block, error) {
		switch blockNumber {
		case 202:
			return nil, &rpc.ClassifiedError{Class: rpc.ClassUpstream, Code: -32000, Message: "boom"}
		case 204:
			return nil, &rpc.ClassifiedError{Class: rpc.ClassTimeout}
		default:
			letter := map[uint64]string{200: "0xA", 201: "0xB", 203: "0xC"}[blockNumber]
			return txBlock([2]string{letter, ""})(blockNumber)
		}
	}}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	p := New(Config{BatchSize: 5, MaxConcurrentRPCCalls: 2, ChainExternalID: "1", PrefetchEnabled: true},
		rpcClient, noopLimiter{}, testCache(), st, m, newFakeClock(), nil)

	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.failureLogs) != 2 {
		t.Fatalf("expected 2 failure log rows, got %v", st.failureLogs)
	}
	if st.chain.NextBlockNumber != 205 {
		t.Fatalf("expected next_block_number 205, got %d", st.chain.NextBlockNumber)
	}
	if len(st.addresses) != 3 {
		t.Fatalf("expected 3 addresses, got %v", st.addresses)
	}
	snap := m.Snapshot()
	if snap.TotalFailedBlocks != 2 || snap.TotalBlocksProcessed != 5 {
		t.Fatalf("unexpected metrics snapshot: %+v", snap)
	}
}

// TestSingleFlightLatchRejectsOverlap covers testable property 1.
func TestSingleFlightLatchRejectsOverlap(t *testing.T) {
	st := newFakeStore("1", 1, 0)
	gate := make(chan struct{})
	rpcClient := &gatedRPC{gate: gate, byBlock: func(uint64) (*rpc.Block, error) {
		return &rpc.Block{Addresses: map[string]struct{}{}}, nil
	}}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	p := New(Config{BatchSize: 3, MaxConcurrentRPCCalls: 3, ChainExternalID: "1", PrefetchEnabled: true},
		rpcClient, noopLimiter{}, testCache(), st, m, newFakeClock(), nil)

	done := make(chan error, 1)
	go func() { done <- p.ProcessBatch(context.Background()) }()

	for !p.IsRunning() {
		time.Sleep(time.Millisecond)
	}

	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("expected overlapping call to return nil, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error from first call: %v", err)
	}
	if p.IsRunning() {
		t.Fatal("expected latch released after completion")
	}
}

// TestLatchReleasedOnStorageError covers testable property 2 and the
// StorageIntegrity error class (spec.md §7): the batch errors out and does
// NOT advance the high-water mark, but the latch is still released.
func TestLatchReleasedOnStorageError(t *testing.T) {
	st := newFakeStore("1", 1, 50)
	st.upsertErr = errors.New("constraint violation")
	rpcClient := &gatedRPC{byBlock: txBlock([2]string{"0xA", "0xB"})}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	p := New(Config{BatchSize: 2, MaxConcurrentRPCCalls: 2, ChainExternalID: "1", PrefetchEnabled: true},
		rpcClient, noopLimiter{}, testCache(), st, m, newFakeClock(), nil)

	if err := p.ProcessBatch(context.Background()); err == nil {
		t.Fatal("expected storage error to propagate")
	}
	if st.chain.NextBlockNumber != 50 {
		t.Fatalf("expected high-water mark unchanged on storage error, got %d", st.chain.NextBlockNumber)
	}
	if p.IsRunning() {
		t.Fatal("expected latch released even after a storage error")
	}
	if p.JobState() != JobErrored {
		t.Fatalf("expected JobErrored, got %s", p.JobState())
	}
}

// TestCacheSuppressesRepeatWrites mirrors spec.md §8 scenario S3.
func TestCacheSuppressesRepeatWrites(t *testing.T) {
	st := newFakeStore("1", 1, 0)
	rpcClient := &gatedRPC{byBlock: txBlock([2]string{"0xA", "0xB"})}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	c := testCache()
	p := New(Config{BatchSize: 3, MaxConcurrentRPCCalls: 3, ChainExternalID: "1", PrefetchEnabled: true},
		rpcClient, noopLimiter{}, c, st, m, newFakeClock(), nil)

	for i := 0; i < 3; i++ {
		if err := p.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("batch %d: unexpected error: %v", i, err)
		}
	}

	if len(st.addresses) != 2 {
		t.Fatalf("expected 2 addresses total, got %v", st.addresses)
	}
	if st.chain.NextBlockNumber != 9 {
		t.Fatalf("expected next_block_number 9, got %d", st.chain.NextBlockNumber)
	}
	stats := c.StatsSnapshot()
	if stats.SkippedDBOps != 2 {
		t.Fatalf("expected 2 skipped writes on the final batch, got %d", stats.SkippedDBOps)
	}
}

// TestCircuitBreakerOpensAfterConsecutiveFailures covers spec.md §9 Open
// Question 3: a sustained failure streak does not abort the batch in
// flight but trips a breaker that refuses the next one.
func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	st := newFakeStore("1", 1, 0)
	rpcClient := &gatedRPC{byBlock: func(uint64) (*rpc.Block, error) {
		return nil, &rpc.ClassifiedError{Class: rpc.ClassTransport, Err: errors.New("down")}
	}}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	p := New(Config{BatchSize: 3, MaxConcurrentRPCCalls: 3, ChainExternalID: "1", PrefetchEnabled: true, MaxConsecutiveFailures: 3},
		rpcClient, noopLimiter{}, testCache(), st, m, newFakeClock(), nil)

	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error from the failing batch itself: %v", err)
	}
	if st.chain.NextBlockNumber != 3 {
		t.Fatalf("expected the failing batch to still advance the high-water mark, got %d", st.chain.NextBlockNumber)
	}
	if !p.CircuitOpen() {
		t.Fatal("expected circuit breaker to be open after 3 consecutive failures")
	}

	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.chain.NextBlockNumber != 3 {
		t.Fatalf("expected circuit breaker to refuse the next batch, high-water mark moved to %d", st.chain.NextBlockNumber)
	}

	p.ResetCircuitBreaker()
	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.chain.NextBlockNumber != 6 {
		t.Fatalf("expected the batch after reset to run and advance the high-water mark, got %d", st.chain.NextBlockNumber)
	}
}

func TestPrefetchDisabledIsNoOp(t *testing.T) {
	st := newFakeStore("1", 1, 100)
	rpcClient := &gatedRPC{byBlock: txBlock()}
	m := metrics.New(newFakeClock(), prometheus.NewRegistry())
	p := New(Config{BatchSize: 3, MaxConcurrentRPCCalls: 1, ChainExternalID: "1", PrefetchEnabled: false},
		rpcClient, noopLimiter{}, testCache(), st, m, newFakeClock(), nil)

	if err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.chain.NextBlockNumber != 100 {
		t.Fatal("expected no-op batch processor to leave the high-water mark untouched")
	}
}
