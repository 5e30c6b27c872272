// Package ratelimit provides the first-line, per-key request limiter.
// It uses a sliding window log: every admitted request is remembered as a
// timestamp and a key may hold at most N of them inside any trailing window.
// The in-memory backend is process-local and approximate across replicas;
// the Redis backend shares state between instances.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/clock"
	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/metrics"
)

// RateLimiter defines the interface for rate limiting backends.
type RateLimiter interface {
	Check(ctx context.Context, key string, policy domain.RatePolicy) (domain.RateResult, error)
}

const (
	defaultShards          = 32
	defaultCleanupInterval = time.Minute
	defaultStaleAfter      = 10 * time.Minute
)

type entry struct {
	requests []int64 // unix ms, ascending
	touched  int64
	window   int64
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func (e *entry) prune(cutoff int64) {
	i := 0
	for i < len(e.requests) && e.requests[i] <= cutoff {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(e.requests, e.requests[i:])
	e.requests = e.requests[:n]
}

// live reports whether the entry still holds a timestamp inside its own window.
func (e *entry) live(now int64) bool {
	n := len(e.requests)
	return n > 0 && e.requests[n-1] > now-e.window
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// SlidingWindow is the in-memory sliding window limiter. Keys are spread over
// independently locked shards so unrelated actors do not contend.
// Stale keys are swept opportunistically from Check; there is no background
// goroutine to stop.
type SlidingWindow struct {
	clock           clock.Clock
	shards          []*shard
	cleanupInterval time.Duration
	staleAfter      time.Duration

	maxWindow atomic.Int64
	lastSweep atomic.Int64
	closed    atomic.Bool
}

type Option func(*SlidingWindow)

func WithClock(c clock.Clock) Option {
	return func(s *SlidingWindow) {
		s.clock = c
	}
}

// WithCleanupInterval sets the minimum time between two opportunistic sweeps.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *SlidingWindow) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithStaleAfter sets the base idle horizon after which a key may be evicted.
// The effective horizon is never shorter than twice the largest window seen.
func WithStaleAfter(d time.Duration) Option {
	return func(s *SlidingWindow) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithShards(n int) Option {
	return func(s *SlidingWindow) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return shards
}

func NewSlidingWindow(opts ...Option) *SlidingWindow {
	s := &SlidingWindow{
		clock:           clock.Real{},
		shards:          newShards(defaultShards),
		cleanupInterval: defaultCleanupInterval,
		staleAfter:      defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep.Store(s.clock.Now().UnixMilli())
	return s
}

// Check admits or denies one request for key. Prune, compare and append run
// as one critical section under the key's shard lock.
func (s *SlidingWindow) Check(ctx context.Context, key string, policy domain.RatePolicy) (domain.RateResult, error) {
	if s.closed.Load() {
		return domain.RateResult{}, domain.ErrLimiterClosed
	}

	now := s.clock.Now().UnixMilli()
	windowMs := policy.Window.Milliseconds()
	result := domain.RateResult{Limit: policy.MaxRequests}

	// A policy that admits nothing, or has no window, denies.
	if windowMs <= 0 || policy.MaxRequests <= 0 {
		return result, nil
	}
	s.observeWindow(windowMs)

	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{}
		sh.entries[key] = e
	}
	e.prune(now - windowMs)
	e.touched = now
	e.window = windowMs

	if len(e.requests) < policy.MaxRequests {
		e.requests = append(e.requests, now)
		result.Allowed = true
		result.Remaining = policy.MaxRequests - len(e.requests)
	}
	result.Reset = resetAfter(e.requests[0] + windowMs - now)
	sh.mu.Unlock()

	s.maybeSweep(now)
	return result, nil
}

func resetAfter(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *SlidingWindow) observeWindow(windowMs int64) {
	for {
		cur := s.maxWindow.Load()
		if windowMs <= cur || s.maxWindow.CompareAndSwap(cur, windowMs) {
			return
		}
	}
}

// horizon is how long a key must sit untouched before it may be evicted.
func (s *SlidingWindow) horizon() int64 {
	h := s.staleAfter.Milliseconds()
	if w := 2 * s.maxWindow.Load(); w > h {
		h = w
	}
	return h
}

func (s *SlidingWindow) maybeSweep(now int64) {
	last := s.lastSweep.Load()
	if now-last < s.cleanupInterval.Milliseconds() {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now) {
		return
	}
	s.Sweep(time.UnixMilli(now))
}

// Sweep removes keys untouched for longer than the staleness horizon that no
// longer hold any timestamp inside their own window. Returns the number of
// evicted keys.
func (s *SlidingWindow) Sweep(now time.Time) int {
	nowMs := now.UnixMilli()
	cutoff := nowMs - s.horizon()

	removed, remaining := 0, 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.touched <= cutoff && !e.live(nowMs) {
				delete(sh.entries, key)
				removed++
			}
		}
		remaining += len(sh.entries)
		sh.mu.Unlock()
	}

	metrics.RecordLimiterEvictions(removed)
	metrics.SetLimiterEntries(remaining)
	return removed
}

// Len returns the number of tracked keys.
func (s *SlidingWindow) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close disposes of all limiter state. Subsequent checks fail closed.
func (s *SlidingWindow) Close() error {
	s.closed.Store(true)
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	metrics.SetLimiterEntries(0)
	return nil
}

func (s *SlidingWindow) shardFor(key string) *shard {
	return s.shards[fnv32a(key)%uint32(len(s.shards))]
}

func fnv32a(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h
}
