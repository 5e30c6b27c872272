package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/circuitbreaker"
	"github.com/felipepmaragno/quotaguard/internal/clock"
	"github.com/felipepmaragno/quotaguard/internal/domain"
)

func TestBreakerHealthChecker_LeavesBreakerOpen(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	b := circuitbreaker.NewWithClock(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Second,
	}, clk)
	checker := NewBreakerHealthChecker(b)

	b.RecordFailure()
	if err := checker.Check(context.Background()); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("got %v, want ErrCircuitBreakerOpen", err)
	}

	clk.Advance(11 * time.Second)
	for i := 0; i < 5; i++ {
		if err := checker.Check(context.Background()); err != nil {
			t.Errorf("check %d: got %v, want nil once the open timeout passed", i, err)
		}
	}
	if got := b.State(); got != circuitbreaker.StateOpen {
		t.Errorf("readiness checks moved the breaker to %v, want open", got)
	}
}

func TestRunHealthChecks(t *testing.T) {
	results := runHealthChecks(context.Background(), []HealthChecker{
		stubHealthChecker{name: "redis"},
		stubHealthChecker{name: "postgres", err: errors.New("connection refused")},
	})

	if got := results["redis"].Status; got != "ok" {
		t.Errorf("redis: got status %q, want ok", got)
	}
	pg := results["postgres"]
	if pg.Status == "ok" {
		t.Errorf("postgres: got status ok, want failure")
	}
	if pg.Error != "connection refused" {
		t.Errorf("postgres: got error %q, want %q", pg.Error, "connection refused")
	}
}

type stubHealthChecker struct {
	name string
	err  error
}

func (c stubHealthChecker) Name() string                    { return c.name }
func (c stubHealthChecker) Check(ctx context.Context) error { return c.err }
