// Package circuitbreaker fails fast when the quota store is unhealthy.
//
// A reservation that cannot reach the store must be denied anyway, so an
// open breaker only shortens the path to the same fail-closed answer and
// keeps workers from piling up on a dead connection pool.
//
// States:
//   - Closed: store calls pass through
//   - Open: store calls are refused until Timeout elapses
//   - Half-Open: calls pass; SuccessThreshold successes close the breaker,
//     any failure reopens it
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/clock"
	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // time spent open before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

type Breaker struct {
	mu          sync.Mutex
	clock       clock.Clock
	config      Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

func New(cfg Config) *Breaker {
	return NewWithClock(cfg, clock.Real{})
}

func NewWithClock(cfg Config, c clock.Clock) *Breaker {
	return &Breaker{
		clock:  c,
		config: cfg,
		state:  StateClosed,
	}
}

// Allow returns domain.ErrCircuitBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.clock.Now().Sub(b.lastFailure) < b.config.Timeout {
		return domain.ErrCircuitBreakerOpen
	}
	b.setState(StateHalfOpen)
	b.successes = 0
	return nil
}

// Ready reports whether a call would be let through, without moving an
// expired open breaker to half-open.
func (b *Breaker) Ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock.Now().Sub(b.lastFailure) < b.config.Timeout {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.SetStoreBreakerState(int(s))
}
