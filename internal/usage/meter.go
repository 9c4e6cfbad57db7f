package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/corralhq/corral/internal/entitle"
	"github.com/corralhq/corral/internal/store"
)

// Unlimited is the Limit value reported when no plan configures a quota
// for the meter.
const Unlimited int64 = -1

// Meter persists and queries usage counters and gates them against the
// plan catalogue's quotas.
type Meter struct {
	store   store.UsageStore
	catalog *entitle.Catalog
	now     func() time.Time
}

// Option configures a Meter.
type Option func(*Meter)

// WithClock overrides the time source. Tests use this to cross period
// boundaries.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

// NewMeter creates a usage meter.
func NewMeter(usageStore store.UsageStore, catalog *entitle.Catalog, opts ...Option) *Meter {
	m := &Meter{
		store:   usageStore,
		catalog: catalog,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track adds amount to the user's counter for the current period and
// returns the new count. Amounts below one count as one.
func (m *Meter) Track(ctx context.Context, userID, meterID string, amount int64) (int64, error) {
	if amount < 1 {
		amount = 1
	}
	start, end := CurrentPeriod(m.now())
	count, err := m.store.IncrementUsage(ctx, userID, meterID, amount, start, end)
	if err != nil {
		return 0, fmt.Errorf("tracking usage: %w", err)
	}
	return count, nil
}

// Get returns the user's counter for one meter in the current period.
// An untouched meter reads as a zero record rather than a miss.
func (m *Meter) Get(ctx context.Context, userID, meterID string) (*store.UsageRecord, error) {
	start, end := CurrentPeriod(m.now())
	rec, err := m.store.GetUsage(ctx, userID, meterID, start)
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	if rec == nil {
		rec = &store.UsageRecord{
			UserID:      userID,
			MeterID:     meterID,
			PeriodStart: start,
			PeriodEnd:   end,
		}
	}
	return rec, nil
}

// List returns all of the user's counters for the current period.
func (m *Meter) List(ctx context.Context, userID string) ([]*store.UsageRecord, error) {
	start, _ := CurrentPeriod(m.now())
	recs, err := m.store.ListUsage(ctx, userID, start)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	return recs, nil
}

// LimitStatus is the outcome of a quota check.
type LimitStatus struct {
	Allowed   bool
	Current   int64
	Limit     int64 // Unlimited (-1) when no plan configures the meter
	Remaining int64
	ResetAt   time.Time // end of the current period
}

// CheckLimit compares the user's current count against the quota their
// plan includes for the meter. Allowed is current < limit; an
// unconfigured meter is never limited.
func (m *Meter) CheckLimit(ctx context.Context, userID, planID, meterID string) (*LimitStatus, error) {
	rec, err := m.Get(ctx, userID, meterID)
	if err != nil {
		return nil, err
	}

	limit, configured := m.catalog.MeterLimit(planID, meterID)
	if !configured {
		return &LimitStatus{
			Allowed:   true,
			Current:   rec.Count,
			Limit:     Unlimited,
			Remaining: Unlimited,
			ResetAt:   rec.PeriodEnd,
		}, nil
	}

	remaining := limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return &LimitStatus{
		Allowed:   rec.Count < limit,
		Current:   rec.Count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   rec.PeriodEnd,
	}, nil
}

// Reset deletes the meter's counters for periods before the current
// one. Cleanup only: period keys are disjoint, so stale rows never
// affect current counts.
func (m *Meter) Reset(ctx context.Context, meterID string) error {
	start, _ := CurrentPeriod(m.now())
	if err := m.store.ResetUsageBefore(ctx, meterID, start); err != nil {
		return fmt.Errorf("resetting usage: %w", err)
	}
	return nil
}
