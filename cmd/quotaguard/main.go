package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/felipepmaragno/quotaguard/internal/alert"
	"github.com/felipepmaragno/quotaguard/internal/api"
	"github.com/felipepmaragno/quotaguard/internal/auth"
	"github.com/felipepmaragno/quotaguard/internal/circuitbreaker"
	"github.com/felipepmaragno/quotaguard/internal/config"
	"github.com/felipepmaragno/quotaguard/internal/identity"
	"github.com/felipepmaragno/quotaguard/internal/jobs"
	"github.com/felipepmaragno/quotaguard/internal/quota"
	"github.com/felipepmaragno/quotaguard/internal/ratelimit"
	"github.com/felipepmaragno/quotaguard/internal/repository"
	"github.com/felipepmaragno/quotaguard/internal/secrets"
	"github.com/felipepmaragno/quotaguard/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting quotaguard", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}()

	var checkers []api.HealthChecker
	if cfg.RedisURL != "" {
		checker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, checker)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	checkers = append(checkers, api.NewBreakerHealthChecker(breaker))

	var store quota.Store
	switch cfg.QuotaBackend {
	case config.BackendPostgres:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		closers = append(closers, db)

		repo := repository.NewPostgresUsageRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		store = repo
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres quota store")
	case config.BackendRedis:
		repo, err := repository.NewRedisUsageRepository(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		closers = append(closers, repo)
		store = repo
		slog.Info("using redis quota store")
	default:
		store = repository.NewInMemoryUsageRepository()
		slog.Info("using in-memory quota store")
	}

	quotaService := quota.NewService(store,
		quota.WithMaxAttempts(cfg.QuotaMaxAttempts),
		quota.WithTimeout(cfg.QuotaTimeout),
		quota.WithBreaker(breaker),
	)

	var rateLimiter ratelimit.RateLimiter
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		closers = append(closers, limiter)
		rateLimiter = limiter
		slog.Info("using redis rate limiter")
	} else {
		limiter := ratelimit.NewSlidingWindow(
			ratelimit.WithCleanupInterval(cfg.LimiterCleanupInterval),
			ratelimit.WithStaleAfter(cfg.LimiterStaleAfter),
		)
		closers = append(closers, limiter)
		rateLimiter = limiter
		slog.Info("using in-memory rate limiter")
	}

	dispatcher, dedupCloser, err := newAlertDispatcher(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up alerts", "error", err)
		os.Exit(1)
	}
	if dedupCloser != nil {
		closers = append(closers, dedupCloser)
	}

	queue, err := newJobQueue(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up job queue", "error", err)
		os.Exit(1)
	}
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumerDone := make(chan struct{})
	if q, ok := queue.(*jobs.InMemoryQueue); ok {
		go func() {
			defer close(consumerDone)
			q.Consume(consumerCtx, jobs.LogHandler(slog.Default()))
		}()
	} else {
		close(consumerDone)
	}
	run := jobs.NewOperation(queue)

	operations := make([]api.ProtectedOperation, 0, len(cfg.Operations))
	for _, op := range cfg.Operations {
		operations = append(operations, api.ProtectedOperation{
			Name:  op.Name,
			Rate:  op.Rate,
			Quota: op.Quota,
			Run:   run,
		})
		slog.Info("registered operation",
			"operation", op.Name,
			"rate_max", op.Rate.MaxRequests,
			"rate_window", op.Rate.Window,
			"max_per_resource", op.Quota.MaxPerResource,
			"max_per_day", op.Quota.MaxPerDay,
			"cooldown", op.Quota.Cooldown,
		)
	}

	var admin http.Handler
	if cfg.AdminUsername != "" {
		users := auth.NewStaticUserStore(&auth.AdminUser{
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
			Role:         auth.RoleAdmin,
		})
		mw := auth.NewMiddleware(auth.NewAuthenticator(users))
		admin = mw.RequireAuth(mw.RequirePermission(auth.PermissionUsageRead)(api.NewAdminHandler(quotaService)))
		slog.Info("admin endpoints enabled", "username", cfg.AdminUsername)
	}

	handler := api.NewHandler(api.HandlerConfig{
		RateLimiter: rateLimiter,
		Quota:       quotaService,
		Identity:    identity.Resolver{TrustProxyHeaders: cfg.TrustProxyHeaders},
		ActorHeader: cfg.ActorHeader,
		Operations:  operations,
		Alerts:      dispatcher,
		Admin:       admin,
		Checkers:    checkers,
		Version:     version,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	handler.Wait()
	stopConsumer()
	<-consumerDone

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn := cfg.DatabaseURL
	if cfg.DatabaseURLSecret != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		dsn, err = secrets.DatabaseURL(ctx, sm, cfg.DatabaseURLSecret)
		if err != nil {
			return nil, err
		}
		slog.Info("database credentials loaded from secrets manager", "secret", cfg.DatabaseURLSecret)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newAlertDispatcher also returns the deduplicator's Redis client, if any, so
// it can be closed at shutdown.
func newAlertDispatcher(ctx context.Context, cfg *config.Config) (*alert.Dispatcher, io.Closer, error) {
	var notifier alert.Notifier
	if cfg.AlertTopicARN != "" {
		sns, err := alert.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			return nil, nil, err
		}
		notifier = sns
		slog.Info("using sns alert notifier", "topic", cfg.AlertTopicARN)
	} else {
		notifier = alert.NewLogNotifier(slog.Default())
		slog.Info("using log alert notifier")
	}

	if cfg.RedisURL != "" {
		dedup, err := alert.NewRedisDeduplicator(cfg.RedisURL, alert.DefaultDedupTTL)
		if err != nil {
			return nil, nil, err
		}
		return alert.NewDispatcher(dedup, notifier), dedup, nil
	}

	return alert.NewDispatcher(alert.NewInMemoryDeduplicator(alert.DefaultDedupTTL), notifier), nil, nil
}

func newJobQueue(ctx context.Context, cfg *config.Config) (jobs.Queue, error) {
	if cfg.JobsQueueURL == "" {
		slog.Info("using in-memory job queue", "capacity", cfg.JobsQueueCapacity)
		return jobs.NewInMemoryQueue(cfg.JobsQueueCapacity), nil
	}

	q, err := jobs.NewSQSQueue(ctx, cfg.AWSRegion, cfg.JobsQueueURL)
	if err != nil {
		return nil, err
	}
	slog.Info("using sqs job queue", "url", cfg.JobsQueueURL)
	return q, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
