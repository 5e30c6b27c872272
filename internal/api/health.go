package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/quotaguard/internal/circuitbreaker"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHealthChecker{client: redis.NewClient(opts)}, nil
}

func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string { return "postgres" }

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// BreakerHealthChecker reports not ready while the quota store breaker is open,
// since every reservation would be denied.
type BreakerHealthChecker struct {
	breaker *circuitbreaker.Breaker
}

func NewBreakerHealthChecker(b *circuitbreaker.Breaker) *BreakerHealthChecker {
	return &BreakerHealthChecker{breaker: b}
}

func (c *BreakerHealthChecker) Name() string { return "quota_store_breaker" }

func (c *BreakerHealthChecker) Check(ctx context.Context) error {
	return c.breaker.Ready()
}

// runHealthChecks executes all checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	var (
		mu      sync.Mutex
		g       errgroup.Group
		results = make(map[string]CheckResult, len(checkers))
	)

	for _, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			err := checker.Check(ctx)

			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
	return results
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ok", Version: h.version})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	results := runHealthChecks(ctx, h.checkers)

	status := HealthStatus{Status: "ready", Checks: results, Version: h.version}
	httpStatus := http.StatusOK
	for _, result := range results {
		if result.Status != "ok" {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, httpStatus, status)
}
