// Package ratelimiter implements a token bucket shared by all concurrent RPC
// workers in a batch, enforcing the upstream provider's per-minute quota.
package ratelimiter

import (
	"context"
	"sync/atomic"
	"time"

	"chainindexer/internal/clock"
)

// backoff is how long acquire() sleeps between empty-bucket retries.
const backoff = 100 * time.Millisecond

// state packs the mutable bucket fields into one word so acquire/tryAcquire
// can refill and spend in a single compare-and-swap.
type state struct {
	tokens         int64 // fixed-point, scaled by scale
	lastRefillNano int64
}

const scale = 1000 // tokens are tracked in milli-tokens to allow fractional refill

// Limiter is a token bucket refilled continuously at rate R tokens/sec up to
// capacity C, where C = max(1, rpm/60) and R = C.
type Limiter struct {
	clk clock.Clock
	st  atomic.Pointer[state]
	cap atomic.Int64
}

// New constructs a Limiter enforcing requestsPerMinute, fully topped up.
func New(requestsPerMinute int) *Limiter {
	return NewWithClock(requestsPerMinute, clock.System)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(requestsPerMinute int, clk clock.Clock) *Limiter {
	l := &Limiter{clk: clk}
	c := capacity(requestsPerMinute)
	l.cap.Store(c)
	s := &state{tokens: c * scale, lastRefillNano: clk.Now().UnixNano()}
	l.st.Store(s)
	return l
}

func capacity(rpm int) int64 {
	c := int64(rpm / 60)
	if c < 1 {
		c = 1
	}
	return c
}

// reconfigure replaces the bucket's capacity at runtime. The refill rate
// tracks capacity 1:1 (one second of headroom), per spec.
func (l *Limiter) Reconfigure(requestsPerMinute int) {
	c := capacity(requestsPerMinute)
	l.cap.Store(c)
	for {
		old := l.st.Load()
		refilled := l.refill(old, c)
		if refilled.tokens > c*scale {
			refilled.tokens = c * scale
		}
		if l.st.CompareAndSwap(old, refilled) {
			return
		}
	}
}

// refill computes the post-refill state without mutating anything shared.
func (l *Limiter) refill(s *state, cap int64) *state {
	now := l.clk.Now().UnixNano()
	elapsedNanos := now - s.lastRefillNano
	if elapsedNanos <= 0 {
		return &state{tokens: s.tokens, lastRefillNano: s.lastRefillNano}
	}
	// R = cap tokens/sec, expressed in milli-tokens per nanosecond.
	added := elapsedNanos * cap * scale / int64(time.Second)
	tokens := s.tokens + added
	max := cap * scale
	if tokens > max {
		tokens = max
	}
	return &state{tokens: tokens, lastRefillNano: now}
}

// tryAcquireOnce attempts one refill+spend as a single CAS. Returns true iff
// a token was consumed.
func (l *Limiter) tryAcquireOnce() bool {
	cap := l.cap.Load()
	for {
		old := l.st.Load()
		refilled := l.refill(old, cap)
		if refilled.tokens < scale {
			// not enough for one whole token; publish the refill so later
			// callers see progress, but report failure.
			l.st.CompareAndSwap(old, refilled)
			return false
		}
		spent := &state{tokens: refilled.tokens - scale, lastRefillNano: refilled.lastRefillNano}
		if l.st.CompareAndSwap(old, spent) {
			return true
		}
		// lost the race; retry with fresh state.
	}
}

// TryAcquire returns true and consumes one token iff one is immediately
// available. Non-blocking.
func (l *Limiter) TryAcquire() bool {
	return l.tryAcquireOnce()
}

// Acquire blocks until a token is consumed or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.tryAcquireOnce() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.clk.Sleep(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Available returns the current token count after a lazy refill, rounded
// down to whole tokens.
func (l *Limiter) Available() int64 {
	cap := l.cap.Load()
	for {
		old := l.st.Load()
		refilled := l.refill(old, cap)
		if l.st.CompareAndSwap(old, refilled) {
			return refilled.tokens / scale
		}
	}
}

// Capacity returns the current bucket capacity.
func (l *Limiter) Capacity() int64 {
	return l.cap.Load()
}
