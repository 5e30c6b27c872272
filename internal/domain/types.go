package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DayLayout is the calendar-day key format used for daily usage buckets.
const DayLayout = "2006-01-02"

// RatePolicy configures the sliding-window limiter for one protected operation.
type RatePolicy struct {
	Window      time.Duration
	MaxRequests int
}

// RateResult is the outcome of a single sliding-window check.
type RateResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration // until the oldest retained request leaves the window
}

// QuotaPolicy is the immutable three-tier policy applied by a reservation.
// Cooldown of zero disables the cooldown tier.
type QuotaPolicy struct {
	MaxPerResource int
	MaxPerDay      int
	Cooldown       time.Duration
	Location       *time.Location
}

func (p QuotaPolicy) Validate() error {
	if p.MaxPerResource <= 0 {
		return fmt.Errorf("%w: max per resource must be positive", ErrInvalidPolicy)
	}
	if p.MaxPerDay <= 0 {
		return fmt.Errorf("%w: max per day must be positive", ErrInvalidPolicy)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// DayKey returns the daily bucket key for t in the policy's reference clock.
func (p QuotaPolicy) DayKey(t time.Time) string {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// NextDay returns the start of the day following t in the policy's reference clock.
func (p QuotaPolicy) NextDay(t time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

type ReasonCode string

const (
	ReasonOK            ReasonCode = "OK"
	ReasonResourceLimit ReasonCode = "RESOURCE_LIMIT"
	ReasonDailyLimit    ReasonCode = "DAILY_LIMIT"
	ReasonCooldown      ReasonCode = "COOLDOWN"
)

// QuotaDecision is returned from every reservation attempt that reached the store.
type QuotaDecision struct {
	Granted              bool
	Reason               ReasonCode
	RemainingForResource int
	RemainingForDay      int
	CooldownRemaining    time.Duration
}

// Counter is one usage tier entry. The zero value means "never reserved".
type Counter struct {
	Count          int       `json:"count"`
	LastReservedAt time.Time `json:"lastReservedAt"`
}

// UsageRecord is the per-actor usage document persisted by a quota store.
type UsageRecord struct {
	UsageByResource map[string]Counter `json:"usageByResource"`
	DailyUsage      map[string]Counter `json:"dailyUsage"`
}

func NewUsageRecord() *UsageRecord {
	return &UsageRecord{
		UsageByResource: make(map[string]Counter),
		DailyUsage:      make(map[string]Counter),
	}
}

func (u *UsageRecord) Resource(id string) Counter {
	return u.UsageByResource[id]
}

func (u *UsageRecord) Day(key string) Counter {
	return u.DailyUsage[key]
}

// Clone returns a deep copy so a transaction attempt never aliases stored state.
func (u *UsageRecord) Clone() *UsageRecord {
	c := NewUsageRecord()
	for k, v := range u.UsageByResource {
		c.UsageByResource[k] = v
	}
	for k, v := range u.DailyUsage {
		c.DailyUsage[k] = v
	}
	return c
}

// DecodeUsageRecord parses a stored document, normalising absent maps.
func DecodeUsageRecord(data []byte) (*UsageRecord, error) {
	rec := NewUsageRecord()
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode usage record: %w", err)
	}
	if rec.UsageByResource == nil {
		rec.UsageByResource = make(map[string]Counter)
	}
	if rec.DailyUsage == nil {
		rec.DailyUsage = make(map[string]Counter)
	}
	return rec, nil
}

// OperationRequest carries what a protected operation needs once quota is granted.
type OperationRequest struct {
	Operation  string
	ActorID    string
	ResourceID string
	RequestID  string
	Payload    json.RawMessage
}
