package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

func BenchmarkSlidingWindow_Check(b *testing.B) {
	sw := NewSlidingWindow()
	ctx := context.Background()
	policy := domain.RatePolicy{Window: time.Minute, MaxRequests: 10000}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sw.Check(ctx, "ip:10.0.0.1", policy)
	}
}

func BenchmarkSlidingWindow_Check_Parallel(b *testing.B) {
	sw := NewSlidingWindow()
	ctx := context.Background()
	policy := domain.RatePolicy{Window: time.Minute, MaxRequests: 10000}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			sw.Check(ctx, "ip:10.0.0.1", policy)
		}
	})
}

func BenchmarkSlidingWindow_ManyKeys(b *testing.B) {
	sw := NewSlidingWindow()
	ctx := context.Background()
	policy := domain.RatePolicy{Window: time.Minute, MaxRequests: 1000}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			sw.Check(ctx, fmt.Sprintf("user:%d:10.0.0.1", i%1000), policy)
			i++
		}
	})
}
