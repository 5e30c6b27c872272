package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/metrics"
)

// DefaultDedupTTL outlives a calendar day in any timezone.
const DefaultDedupTTL = 26 * time.Hour

type Dispatcher struct {
	dedup    Deduplicator
	notifier Notifier
}

func NewDispatcher(dedup Deduplicator, notifier Notifier) *Dispatcher {
	return &Dispatcher{dedup: dedup, notifier: notifier}
}

// QuotaExhausted publishes at most one quota_exhausted alert per actor per day.
func (d *Dispatcher) QuotaExhausted(ctx context.Context, actorID, operation, resourceID, day string, at time.Time) error {
	if !d.dedup.ShouldAlert(ctx, actorID, TypeQuotaExhausted, day) {
		return nil
	}

	a := Alert{
		Type:       TypeQuotaExhausted,
		ActorID:    actorID,
		Operation:  operation,
		ResourceID: resourceID,
		Day:        day,
		Message:    fmt.Sprintf("actor %s exhausted its daily %s quota", actorID, operation),
		At:         at,
	}
	if err := d.notifier.Send(ctx, a); err != nil {
		return err
	}

	metrics.RecordAlert(string(TypeQuotaExhausted))
	return nil
}
