package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

func increment(resourceID string) func(*domain.UsageRecord) (bool, error) {
	return func(rec *domain.UsageRecord) (bool, error) {
		c := rec.Resource(resourceID)
		c.Count++
		c.LastReservedAt = time.Now()
		rec.UsageByResource[resourceID] = c
		return true, nil
	}
}

func TestInMemoryUsageRepository_GetMissingActor(t *testing.T) {
	repo := NewInMemoryUsageRepository()

	rec, err := repo.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.UsageByResource) != 0 || len(rec.DailyUsage) != 0 {
		t.Errorf("expected empty record, got %+v", rec)
	}
	if rec.UsageByResource == nil || rec.DailyUsage == nil {
		t.Error("expected allocated maps")
	}
}

func TestInMemoryUsageRepository_UpdateCommits(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.Update(ctx, "u1", increment("p1")); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	rec, _ := repo.Get(ctx, "u1")
	if got := rec.Resource("p1").Count; got != 3 {
		t.Errorf("got count %d, want 3", got)
	}
	if got := repo.Version("u1"); got != 3 {
		t.Errorf("got version %d, want 3", got)
	}
}

func TestInMemoryUsageRepository_NoCommitLeavesDocument(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx := context.Background()

	err := repo.Update(ctx, "u1", func(rec *domain.UsageRecord) (bool, error) {
		rec.UsageByResource["p1"] = domain.Counter{Count: 99}
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := repo.Get(ctx, "u1")
	if got := rec.Resource("p1").Count; got != 0 {
		t.Errorf("got count %d, want 0", got)
	}
	if got := repo.Version("u1"); got != 0 {
		t.Errorf("got version %d, want 0", got)
	}
}

func TestInMemoryUsageRepository_TxFuncError(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	boom := errors.New("boom")

	err := repo.Update(context.Background(), "u1", func(rec *domain.UsageRecord) (bool, error) {
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestInMemoryUsageRepository_DetectsLostUpdate(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx := context.Background()

	err := repo.Update(ctx, "u1", func(rec *domain.UsageRecord) (bool, error) {
		// A competing writer commits between our read and our commit.
		if err := repo.Update(ctx, "u1", increment("p1")); err != nil {
			t.Fatalf("inner update: %v", err)
		}
		return increment("p1")(rec)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	rec, _ := repo.Get(ctx, "u1")
	if got := rec.Resource("p1").Count; got != 1 {
		t.Errorf("got count %d, want 1", got)
	}
}

func TestInMemoryUsageRepository_GetReturnsCopy(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx := context.Background()
	_ = repo.Update(ctx, "u1", increment("p1"))

	rec, _ := repo.Get(ctx, "u1")
	rec.UsageByResource["p1"] = domain.Counter{Count: 42}

	again, _ := repo.Get(ctx, "u1")
	if got := again.Resource("p1").Count; got != 1 {
		t.Errorf("stored document was mutated through Get: count %d", got)
	}
}

func TestInMemoryUsageRepository_ConcurrentUpdatesNeverLoseCommits(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx := context.Background()

	const workers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Update(ctx, "u1", increment("p1")); err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := repo.Get(ctx, "u1")
	if got := rec.Resource("p1").Count; got != committed {
		t.Errorf("got count %d, want %d committed updates", got, committed)
	}
}

func TestInMemoryUsageRepository_CanceledContext(t *testing.T) {
	repo := NewInMemoryUsageRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := repo.Update(ctx, "u1", increment("p1")); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
