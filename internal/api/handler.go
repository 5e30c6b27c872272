package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/quotaguard/internal/clock"
	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/identity"
	"github.com/felipepmaragno/quotaguard/internal/metrics"
	"github.com/felipepmaragno/quotaguard/internal/ratelimit"
	"github.com/felipepmaragno/quotaguard/internal/telemetry"
)

const (
	defaultActorHeader = "X-Actor-ID"
	maxPayloadBytes    = 1 << 20
	alertTimeout       = 5 * time.Second
)

// Operation is the protected work performed once both the rate limiter and
// the quota reservation have admitted the request.
type Operation func(ctx context.Context, req domain.OperationRequest) (any, error)

type QuotaReserver interface {
	Reserve(ctx context.Context, actorID, resourceID string, policy domain.QuotaPolicy) (domain.QuotaDecision, error)
}

type AlertSink interface {
	QuotaExhausted(ctx context.Context, actorID, operation, resourceID, day string, at time.Time) error
}

type ProtectedOperation struct {
	Name  string
	Rate  domain.RatePolicy
	Quota domain.QuotaPolicy
	Run   Operation
}

type HandlerConfig struct {
	RateLimiter ratelimit.RateLimiter
	Quota       QuotaReserver
	Identity    identity.Resolver
	// ActorHeader names the header carrying the authenticated actor id. It is
	// trusted as-is: the edge must strip it from client requests and only the
	// upstream auth layer may set it, or callers can mint limiter keys and
	// quota documents for arbitrary ids.
	ActorHeader   string
	Operations    []ProtectedOperation
	Alerts        AlertSink
	Admin         http.Handler
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	Clock         clock.Clock
	Version       string
}

type Handler struct {
	rateLimiter   ratelimit.RateLimiter
	quota         QuotaReserver
	identity      identity.Resolver
	actorHeader   string
	alerts        AlertSink
	clock         clock.Clock
	checkers      []HealthChecker
	healthTimeout time.Duration
	version       string
	background    sync.WaitGroup
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		rateLimiter:   cfg.RateLimiter,
		quota:         cfg.Quota,
		identity:      cfg.Identity,
		actorHeader:   cfg.ActorHeader,
		alerts:        cfg.Alerts,
		clock:         cfg.Clock,
		checkers:      cfg.Checkers,
		healthTimeout: cfg.HealthTimeout,
		version:       cfg.Version,
		mux:           http.NewServeMux(),
	}
	if h.actorHeader == "" {
		h.actorHeader = defaultActorHeader
	}
	if h.clock == nil {
		h.clock = clock.Real{}
	}
	if h.healthTimeout == 0 {
		h.healthTimeout = 2 * time.Second
	}

	for _, op := range cfg.Operations {
		h.mux.Handle("POST /v1/"+op.Name+"/{resourceID}", h.protect(op))
	}
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Wait blocks until background alert dispatches have finished.
func (h *Handler) Wait() {
	h.background.Wait()
}

// protect wraps op with the rate limiter and the quota reservation. The
// operation runs only after both admitted the request; any failure to reach
// a decision denies it.
func (h *Handler) protect(op ProtectedOperation) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.StartSpan(r.Context(), "protect."+op.Name)
		defer span.End()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		status := "ok"
		defer func() {
			metrics.RecordRequest(op.Name, status, time.Since(start).Seconds())
		}()

		actorID := r.Header.Get(h.actorHeader)
		resourceID := r.PathValue("resourceID")
		key := op.Name + ":" + h.identity.Resolve(r, actorID)

		rate, err := h.rateLimiter.Check(ctx, key, op.Rate)
		if err != nil {
			status = "error"
			telemetry.AddErrorAttribute(span, err)
			slog.Error("rate limiter error",
				"error", err,
				"operation", op.Name,
				"request_id", requestID,
			)
			writeInternalError(w)
			return
		}
		telemetry.AddRateLimitAttributes(span, key, rate.Allowed, rate.Remaining)
		setRateHeaders(w, rate.Limit, rate.Remaining, rate.Reset)

		if !rate.Allowed {
			status = "rate_limited"
			metrics.RecordRateLimitHit(op.Name)
			w.Header().Set("Retry-After", formatSeconds(rate.Reset))
			slog.Warn("rate limit exceeded",
				"key", key,
				"operation", op.Name,
				"request_id", requestID,
			)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", codeRateLimit)
			return
		}

		if actorID == "" {
			status = "unauthenticated"
			writeError(w, http.StatusUnauthorized, "authentication required", codeUnauthenticated)
			return
		}

		payload, err := readPayload(w, r)
		if err != nil {
			status = "invalid"
			writeError(w, http.StatusBadRequest, err.Error(), codeInvalidRequest)
			return
		}

		reserveStart := time.Now()
		decision, err := h.quota.Reserve(ctx, actorID, resourceID, op.Quota)
		if err != nil {
			status = "error"
			metrics.RecordQuotaError(op.Name, errorType(err))
			telemetry.AddErrorAttribute(span, err)
			slog.Error("quota reservation failed",
				"error", err,
				"actor_id", actorID,
				"resource_id", resourceID,
				"operation", op.Name,
				"request_id", requestID,
			)
			writeInternalError(w)
			return
		}
		metrics.RecordQuotaDecision(op.Name, string(decision.Reason), time.Since(reserveStart).Seconds())

		if !decision.Granted {
			status = "quota_denied"
			now := h.clock.Now()
			slog.Info("quota denied",
				"reason", decision.Reason,
				"actor_id", actorID,
				"resource_id", resourceID,
				"operation", op.Name,
				"request_id", requestID,
			)
			if decision.Reason == domain.ReasonDailyLimit {
				h.dispatchAlert(ctx, actorID, op, resourceID, now)
			}
			writeQuotaDenied(w, decision, retryAfter(decision, op.Quota, now))
			return
		}

		result, err := h.run(ctx, op, domain.OperationRequest{
			Operation:  op.Name,
			ActorID:    actorID,
			ResourceID: resourceID,
			RequestID:  requestID,
			Payload:    payload,
		})
		if err != nil {
			status = "operation_failed"
			telemetry.AddErrorAttribute(span, err)
			slog.Error("protected operation failed",
				"error", err,
				"actor_id", actorID,
				"resource_id", resourceID,
				"operation", op.Name,
				"request_id", requestID,
			)
			writeError(w, http.StatusBadGateway, "operation failed", codeOperationFailed)
			return
		}

		slog.Info("operation completed",
			"actor_id", actorID,
			"resource_id", resourceID,
			"operation", op.Name,
			"request_id", requestID,
			"remaining_for_resource", decision.RemainingForResource,
			"remaining_for_day", decision.RemainingForDay,
			"latency_ms", time.Since(start).Milliseconds(),
		)

		writeJSON(w, http.StatusOK, successResponse{
			Result: result,
			Usage: usage{
				RemainingForResource: decision.RemainingForResource,
				RemainingForDay:      decision.RemainingForDay,
			},
		})
	})
}

func (h *Handler) run(ctx context.Context, op ProtectedOperation, req domain.OperationRequest) (any, error) {
	if op.Run == nil {
		return nil, nil
	}
	return op.Run(ctx, req)
}

// dispatchAlert publishes the exhaustion alert without holding up the response.
func (h *Handler) dispatchAlert(ctx context.Context, actorID string, op ProtectedOperation, resourceID string, now time.Time) {
	if h.alerts == nil {
		return
	}
	day := op.Quota.DayKey(now)
	ctx = context.WithoutCancel(ctx)

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		ctx, cancel := context.WithTimeout(ctx, alertTimeout)
		defer cancel()

		if err := h.alerts.QuotaExhausted(ctx, actorID, op.Name, resourceID, day, now); err != nil {
			slog.Warn("failed to publish quota alert",
				"error", err,
				"actor_id", actorID,
				"operation", op.Name,
			)
		}
	}()
}

var errInvalidPayload = errors.New("request body must be valid JSON")

// readPayload returns the request body as raw JSON. An empty body is allowed.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body too large")
		}
		return nil, errInvalidPayload
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errInvalidPayload
	}
	return json.RawMessage(body), nil
}

// retryAfter is how long until a denied reservation could succeed. Zero means never.
func retryAfter(d domain.QuotaDecision, p domain.QuotaPolicy, now time.Time) time.Duration {
	switch d.Reason {
	case domain.ReasonCooldown:
		return d.CooldownRemaining
	case domain.ReasonDailyLimit:
		return p.NextDay(now).Sub(now)
	default:
		return 0
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, domain.ErrInvalidPolicy), errors.Is(err, domain.ErrInvalidReservation):
		return "invalid"
	default:
		return "unknown"
	}
}
