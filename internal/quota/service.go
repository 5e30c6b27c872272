// Package quota implements transactional three-tier quota reservations.
//
// A reservation reads the actor's usage document, checks the per-resource
// cap, the daily cap and the cooldown in that order, and on success
// increments both counters in the same transaction. Lost optimistic races
// are retried with exponential backoff. Any store failure denies.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/felipepmaragno/quotaguard/internal/circuitbreaker"
	"github.com/felipepmaragno/quotaguard/internal/clock"
	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/metrics"
	"github.com/felipepmaragno/quotaguard/internal/telemetry"
)

const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = 2 * time.Second
)

type Service struct {
	store       Store
	clock       clock.Clock
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	breaker     *circuitbreaker.Breaker
	timeout     time.Duration
	logger      *slog.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMaxAttempts bounds the number of transaction attempts per reservation.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = uint(n)
		}
	}
}

// WithBackOff replaces the retry schedule. f is called once per reservation.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(s *Service) { s.newBackOff = f }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// WithTimeout bounds a whole reservation, retries included. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		clock:       clock.Real{},
		maxAttempts: DefaultMaxAttempts,
		newBackOff:  defaultBackOff,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	return b
}

// Reserve atomically checks and consumes one unit of quota for actorID on
// resourceID at the current time.
func (s *Service) Reserve(ctx context.Context, actorID, resourceID string, policy domain.QuotaPolicy) (domain.QuotaDecision, error) {
	return s.ReserveAt(ctx, actorID, resourceID, policy, s.clock.Now())
}

// ReserveAt is Reserve with an explicit evaluation instant. now is fixed for
// every retry of the same reservation.
//
// A denial is a decision, not an error. Errors are returned only when the
// outcome is unknown: invalid input, store failure, open breaker or
// exhausted retries. Callers must treat any error as a denial.
func (s *Service) ReserveAt(ctx context.Context, actorID, resourceID string, policy domain.QuotaPolicy, now time.Time) (domain.QuotaDecision, error) {
	if err := policy.Validate(); err != nil {
		return domain.QuotaDecision{}, err
	}
	if actorID == "" || resourceID == "" {
		return domain.QuotaDecision{}, domain.ErrInvalidReservation
	}

	ctx, span := telemetry.StartSpan(ctx, "quota.reserve")
	defer span.End()
	telemetry.AddReservationAttributes(span, actorID, resourceID)

	if s.breaker != nil {
		if err := s.breaker.Allow(); err != nil {
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
			telemetry.AddErrorAttribute(span, err)
			return domain.QuotaDecision{}, err
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	attempts := 0
	decision, err := backoff.Retry(ctx, func() (domain.QuotaDecision, error) {
		attempts++
		var d domain.QuotaDecision
		err := s.store.Update(ctx, actorID, func(rec *domain.UsageRecord) (bool, error) {
			d = decide(rec, resourceID, policy, now)
			return d.Granted, nil
		})
		switch {
		case err == nil:
			return d, nil
		case errors.Is(err, domain.ErrConflict):
			metrics.RecordQuotaConflict()
			return domain.QuotaDecision{}, err
		default:
			return domain.QuotaDecision{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("quota transaction conflict, retrying",
				"actor_id", actorID,
				"resource_id", resourceID,
				"attempt", attempts,
				"backoff", next,
			)
		}),
	)

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			err = fmt.Errorf("%w after %d attempts", domain.ErrRetriesExhausted, attempts)
		case errors.Is(err, context.Canceled):
			err = fmt.Errorf("reserve quota: %w", err)
		default:
			s.recordFailure()
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		telemetry.AddErrorAttribute(span, err)
		return domain.QuotaDecision{}, err
	}

	s.recordSuccess()
	telemetry.AddDecisionAttributes(span, string(decision.Reason), decision.RemainingForResource, decision.RemainingForDay, attempts)
	return decision, nil
}

// Usage returns a snapshot of the actor's usage document.
func (s *Service) Usage(ctx context.Context, actorID string) (*domain.UsageRecord, error) {
	if actorID == "" {
		return nil, domain.ErrInvalidReservation
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	rec, err := s.store.Get(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (s *Service) recordSuccess() {
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
}

func (s *Service) recordFailure() {
	if s.breaker != nil {
		s.breaker.RecordFailure()
	}
}
