package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/quota"
)

const usageKeyPrefix = "quota:usage:"

// RedisUsageRepository keeps each actor's usage document as a JSON string
// and uses WATCH/MULTI/EXEC for optimistic concurrency.
type RedisUsageRepository struct {
	client *redis.Client
}

var _ quota.Store = (*RedisUsageRepository)(nil)

func NewRedisUsageRepository(redisURL string) (*RedisUsageRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisUsageRepository{client: redis.NewClient(opts)}, nil
}

func NewRedisUsageRepositoryWithClient(client *redis.Client) *RedisUsageRepository {
	return &RedisUsageRepository{client: client}
}

func (r *RedisUsageRepository) Get(ctx context.Context, actorID string) (*domain.UsageRecord, error) {
	data, err := r.client.Get(ctx, usageKeyPrefix+actorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewUsageRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get usage: %w", err)
	}
	return domain.DecodeUsageRecord(data)
}

func (r *RedisUsageRepository) Update(ctx context.Context, actorID string, fn quota.TxFunc) error {
	key := usageKeyPrefix + actorID

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis get usage: %w", err)
		}

		rec, err := domain.DecodeUsageRecord(data)
		if err != nil {
			return err
		}

		commit, err := fn(rec)
		if err != nil || !commit {
			return err
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode usage record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConflict
	}
	return err
}

func (r *RedisUsageRepository) Close() error {
	return r.client.Close()
}
