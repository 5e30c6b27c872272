package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// OperationConfig binds a protected operation to its rate and quota policies.
type OperationConfig struct {
	Name  string
	Rate  domain.RatePolicy
	Quota domain.QuotaPolicy
}

type Config struct {
	Addr              string
	LogLevel          string
	RedisURL          string
	DatabaseURL       string
	DatabaseURLSecret string
	AWSRegion         string
	OTLPEndpoint      string

	QuotaBackend     string
	RateLimitBackend string

	TrustProxyHeaders bool
	ActorHeader       string

	LimiterCleanupInterval time.Duration
	LimiterStaleAfter      time.Duration

	QuotaMaxAttempts int
	QuotaTimeout     time.Duration
	Location         *time.Location

	AdminUsername     string
	AdminPasswordHash string

	AlertTopicARN string
	JobsQueueURL  string

	JobsQueueCapacity int

	ShutdownTimeout time.Duration

	Operations []OperationConfig
}

var defaultOperations = map[string]OperationConfig{
	"generate": {
		Rate:  domain.RatePolicy{Window: time.Minute, MaxRequests: 10},
		Quota: domain.QuotaPolicy{MaxPerResource: 3, MaxPerDay: 10, Cooldown: 5 * time.Second},
	},
	"promote": {
		Rate:  domain.RatePolicy{Window: time.Minute, MaxRequests: 5},
		Quota: domain.QuotaPolicy{MaxPerResource: 3, MaxPerDay: 5, Cooldown: time.Minute},
	},
	"upload": {
		Rate:  domain.RatePolicy{Window: time.Minute, MaxRequests: 20},
		Quota: domain.QuotaPolicy{MaxPerResource: 20, MaxPerDay: 100, Cooldown: 2 * time.Second},
	},
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                   getEnv("ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		RedisURL:               getEnv("REDIS_URL", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		DatabaseURLSecret:      getEnv("DATABASE_URL_SECRET", ""),
		AWSRegion:              getEnv("AWS_REGION", ""),
		OTLPEndpoint:           getEnv("OTLP_ENDPOINT", ""),
		QuotaBackend:           getEnv("QUOTA_BACKEND", BackendMemory),
		RateLimitBackend:       getEnv("RATE_LIMIT_BACKEND", BackendMemory),
		TrustProxyHeaders:      getEnv("TRUST_PROXY_HEADERS", "false") == "true",
		ActorHeader:            getEnv("ACTOR_HEADER", "X-Actor-ID"),
		LimiterCleanupInterval: getDurationEnv("LIMITER_CLEANUP_INTERVAL", time.Minute),
		LimiterStaleAfter:      getDurationEnv("LIMITER_STALE_AFTER", 10*time.Minute),
		QuotaMaxAttempts:       getIntEnv("QUOTA_MAX_ATTEMPTS", 5),
		QuotaTimeout:           getDurationEnv("QUOTA_TIMEOUT", 2*time.Second),
		AdminUsername:          getEnv("ADMIN_USERNAME", ""),
		AdminPasswordHash:      getEnv("ADMIN_PASSWORD_HASH", ""),
		AlertTopicARN:          getEnv("ALERT_TOPIC_ARN", ""),
		JobsQueueURL:           getEnv("JOBS_QUEUE_URL", ""),
		JobsQueueCapacity:      getIntEnv("JOBS_QUEUE_CAPACITY", 1024),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	loc, err := time.LoadLocation(getEnv("QUOTA_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("QUOTA_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	for _, name := range strings.Split(getEnv("OPERATIONS", "generate,promote,upload"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cfg.Operations = append(cfg.Operations, loadOperation(name, loc))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOperation(name string, loc *time.Location) OperationConfig {
	def, ok := defaultOperations[name]
	if !ok {
		def = defaultOperations["generate"]
	}
	prefix := envPrefix(name)

	return OperationConfig{
		Name: name,
		Rate: domain.RatePolicy{
			Window:      getDurationEnv(prefix+"_RATE_WINDOW", def.Rate.Window),
			MaxRequests: getIntEnv(prefix+"_RATE_MAX", def.Rate.MaxRequests),
		},
		Quota: domain.QuotaPolicy{
			MaxPerResource: getIntEnv(prefix+"_MAX_PER_RESOURCE", def.Quota.MaxPerResource),
			MaxPerDay:      getIntEnv(prefix+"_MAX_PER_DAY", def.Quota.MaxPerDay),
			Cooldown:       getMillisEnv(prefix+"_COOLDOWN", def.Quota.Cooldown),
			Location:       loc,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch c.QuotaBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" && c.DatabaseURLSecret == "" {
			errs = append(errs, errors.New("QUOTA_BACKEND=postgres requires DATABASE_URL or DATABASE_URL_SECRET"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("QUOTA_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUOTA_BACKEND %q", c.QuotaBackend))
	}

	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}

	if c.ActorHeader == "" {
		errs = append(errs, errors.New("ACTOR_HEADER must not be empty"))
	}
	if c.QuotaMaxAttempts <= 0 {
		errs = append(errs, errors.New("QUOTA_MAX_ATTEMPTS must be positive"))
	}
	if (c.AdminUsername == "") != (c.AdminPasswordHash == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD_HASH must be set together"))
	}
	if c.JobsQueueCapacity <= 0 {
		errs = append(errs, errors.New("JOBS_QUEUE_CAPACITY must be positive"))
	}
	if len(c.Operations) == 0 {
		errs = append(errs, errors.New("OPERATIONS must name at least one operation"))
	}

	seen := make(map[string]bool)
	for _, op := range c.Operations {
		if seen[op.Name] {
			errs = append(errs, fmt.Errorf("operation %s listed twice", op.Name))
		}
		seen[op.Name] = true

		if op.Rate.MaxRequests <= 0 || op.Rate.Window <= 0 {
			errs = append(errs, fmt.Errorf("operation %s: rate limit and window must be positive", op.Name))
		}
		if err := op.Quota.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("operation %s: %w", op.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Operation returns the configuration of the named operation.
func (c *Config) Operation(name string) (OperationConfig, bool) {
	for _, op := range c.Operations {
		if op.Name == name {
			return op, true
		}
	}
	return OperationConfig{}, false
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
