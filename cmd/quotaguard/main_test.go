package main

import (
	"context"
	"testing"

	"github.com/felipepmaragno/quotaguard/internal/alert"
	"github.com/felipepmaragno/quotaguard/internal/config"
	"github.com/felipepmaragno/quotaguard/internal/jobs"
)

func TestNewAlertDispatcher_ReturnsRedisCloser(t *testing.T) {
	tests := []struct {
		name       string
		redisURL   string
		wantCloser bool
	}{
		{"in-memory dedup", "", false},
		{"redis dedup", "redis://localhost:6379/0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{RedisURL: tt.redisURL}

			dispatcher, closer, err := newAlertDispatcher(context.Background(), cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dispatcher == nil {
				t.Fatal("expected dispatcher")
			}
			if got := closer != nil; got != tt.wantCloser {
				t.Fatalf("got closer %v, want closer %v", got, tt.wantCloser)
			}
			if closer == nil {
				return
			}
			if _, ok := closer.(*alert.RedisDeduplicator); !ok {
				t.Errorf("got closer %T, want *alert.RedisDeduplicator", closer)
			}
			if err := closer.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestNewAlertDispatcher_InvalidRedisURL(t *testing.T) {
	cfg := &config.Config{RedisURL: "not-a-url"}

	if _, _, err := newAlertDispatcher(context.Background(), cfg); err == nil {
		t.Error("expected error for invalid redis URL")
	}
}

func TestNewJobQueue_InMemoryIsBounded(t *testing.T) {
	cfg := &config.Config{JobsQueueCapacity: 3}

	q, err := newJobQueue(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mem, ok := q.(*jobs.InMemoryQueue)
	if !ok {
		t.Fatalf("got queue %T, want *jobs.InMemoryQueue", q)
	}
	if mem.Cap() != 3 {
		t.Errorf("got capacity %d, want 3", mem.Cap())
	}
}
