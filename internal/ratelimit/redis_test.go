package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/google/uuid"
)

func getRedisURL(t *testing.T) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis limiter tests")
	}
	return url
}

func TestRedisLimiter_Check(t *testing.T) {
	redisURL := getRedisURL(t)
	ctx := context.Background()

	rl, err := NewRedisLimiter(redisURL)
	if err != nil {
		t.Fatalf("failed to create redis limiter: %v", err)
	}
	defer rl.Close()

	key := "test-" + uuid.NewString()
	policy := domain.RatePolicy{Window: time.Minute, MaxRequests: 2}

	for i := 0; i < 2; i++ {
		res, err := rl.Check(ctx, key, policy)
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if !res.Allowed {
			t.Errorf("request %d should be allowed", i)
		}
		if res.Remaining != 1-i {
			t.Errorf("request %d: remaining = %d, want %d", i, res.Remaining, 1-i)
		}
	}

	res, err := rl.Check(ctx, key, policy)
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if res.Allowed {
		t.Error("third request should be denied")
	}
	if res.Reset <= 0 || res.Reset > time.Minute {
		t.Errorf("Reset = %v, want within (0, 1m]", res.Reset)
	}
}

func TestRedisLimiter_ZeroLimit(t *testing.T) {
	redisURL := getRedisURL(t)

	rl, err := NewRedisLimiter(redisURL)
	if err != nil {
		t.Fatalf("failed to create redis limiter: %v", err)
	}
	defer rl.Close()

	res, err := rl.Check(context.Background(), "zero", domain.RatePolicy{Window: time.Minute})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if res.Allowed {
		t.Error("zero limit should deny")
	}
}
