package quota

import (
	"context"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

// TxFunc runs inside one store transaction. It mutates rec in place and
// reports whether the mutation must be committed. rec is never nil and its
// maps are always allocated.
type TxFunc func(rec *domain.UsageRecord) (commit bool, err error)

// Store is the transactional document store holding one UsageRecord per actor.
//
// Update performs a single optimistic read-modify-write attempt. If another
// writer committed the same actor's document after it was read, Update must
// return domain.ErrConflict and persist nothing. Retrying is the caller's job.
type Store interface {
	Get(ctx context.Context, actorID string) (*domain.UsageRecord, error)
	Update(ctx context.Context, actorID string, fn TxFunc) error
}
