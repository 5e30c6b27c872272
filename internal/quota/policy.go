package quota

import (
	"time"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

// decide evaluates the tiers in fixed order (resource, daily, cooldown) and,
// when all pass, increments both counters together. rec is only mutated on a
// granted decision.
func decide(rec *domain.UsageRecord, resourceID string, p domain.QuotaPolicy, now time.Time) domain.QuotaDecision {
	dayKey := p.DayKey(now)
	res := rec.Resource(resourceID)
	day := rec.Day(dayKey)

	d := domain.QuotaDecision{
		RemainingForResource: remaining(p.MaxPerResource, res.Count),
		RemainingForDay:      remaining(p.MaxPerDay, day.Count),
	}

	if res.Count >= p.MaxPerResource {
		d.Reason = domain.ReasonResourceLimit
		return d
	}
	if day.Count >= p.MaxPerDay {
		d.Reason = domain.ReasonDailyLimit
		return d
	}

	// Cooldown is actor-global: the latest of the resource and day timestamps
	// paces the actor even when it alternates between resources.
	if p.Cooldown > 0 {
		last := res.LastReservedAt
		if day.LastReservedAt.After(last) {
			last = day.LastReservedAt
		}
		if !last.IsZero() {
			if elapsed := now.Sub(last); elapsed < p.Cooldown {
				d.Reason = domain.ReasonCooldown
				d.CooldownRemaining = min(p.Cooldown-elapsed, p.Cooldown)
				return d
			}
		}
	}

	res.Count++
	res.LastReservedAt = now
	day.Count++
	day.LastReservedAt = now
	rec.UsageByResource[resourceID] = res
	rec.DailyUsage[dayKey] = day

	d.Granted = true
	d.Reason = domain.ReasonOK
	d.RemainingForResource = remaining(p.MaxPerResource, res.Count)
	d.RemainingForDay = remaining(p.MaxPerDay, day.Count)
	return d
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
