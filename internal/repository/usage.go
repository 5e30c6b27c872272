package repository

import (
	"context"
	"sync"

	"github.com/felipepmaragno/quotaguard/internal/domain"
	"github.com/felipepmaragno/quotaguard/internal/quota"
)

type storedUsage struct {
	record  *domain.UsageRecord
	version uint64
}

// InMemoryUsageRepository is a single-process quota store. Each actor's
// document carries a version; a commit succeeds only if the version it read
// is still current.
type InMemoryUsageRepository struct {
	mu   sync.RWMutex
	docs map[string]storedUsage
}

var _ quota.Store = (*InMemoryUsageRepository)(nil)

func NewInMemoryUsageRepository() *InMemoryUsageRepository {
	return &InMemoryUsageRepository{
		docs: make(map[string]storedUsage),
	}
}

func (r *InMemoryUsageRepository) Get(ctx context.Context, actorID string) (*domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[actorID]
	if !ok {
		return domain.NewUsageRecord(), nil
	}
	return doc.record.Clone(), nil
}

func (r *InMemoryUsageRepository) Update(ctx context.Context, actorID string, fn quota.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	doc, ok := r.docs[actorID]
	r.mu.RUnlock()

	rec := domain.NewUsageRecord()
	if ok {
		rec = doc.record.Clone()
	}

	commit, err := fn(rec)
	if err != nil || !commit {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.docs[actorID].version != doc.version {
		return domain.ErrConflict
	}
	r.docs[actorID] = storedUsage{record: rec, version: doc.version + 1}
	return nil
}

// Version returns the commit count of the actor's document.
func (r *InMemoryUsageRepository) Version(actorID string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docs[actorID].version
}
