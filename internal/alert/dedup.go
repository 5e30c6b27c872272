package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator decides whether an alert for (actor, type, day) is new.
// Exactly one caller across all instances sharing the backend gets true.
type Deduplicator interface {
	ShouldAlert(ctx context.Context, actorID string, t Type, day string) bool
}

// InMemoryDeduplicator suits single-instance deployments. Entries older
// than ttl are dropped lazily.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	sent map[string]time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		ttl:  ttl,
		now:  time.Now,
		sent: make(map[string]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, actorID string, t Type, day string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.sent {
		if now.Sub(at) >= d.ttl {
			delete(d.sent, k)
		}
	}

	key := alertKey(actorID, t, day)
	if _, ok := d.sent[key]; ok {
		return false
	}
	d.sent[key] = now
	return true
}

// RedisDeduplicator shares alert state across instances through SETNX.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisDeduplicator{client: redis.NewClient(opts), ttl: ttl}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

// ShouldAlert fails open: a Redis error may cause a duplicate alert, never a lost one.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, actorID string, t Type, day string) bool {
	acquired, err := d.client.SetNX(ctx, alertKey(actorID, t, day), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

func alertKey(actorID string, t Type, day string) string {
	return fmt.Sprintf("quota:alert:%s:%s:%s", actorID, t, day)
}
