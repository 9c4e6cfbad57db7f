package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/corralhq/corral/internal/entitle"
	"github.com/corralhq/corral/internal/store"
)

func testCatalog() *entitle.Catalog {
	return entitle.NewCatalog([]entitle.Plan{
		{ID: "free", Name: "Free", Limits: map[string]int64{"api_calls": 100}},
		{ID: "pro", Name: "Pro", PriceCents: 2000, PriceID: "price_pro", Limits: map[string]int64{
			"api_calls": 10000,
			"exports":   50,
		}},
	}, nil)
}

func newTestMeter(opts ...Option) *Meter {
	return NewMeter(store.NewMemoryStore(), testCatalog(), opts...)
}

func TestCurrentPeriod(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid month",
			now:       time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "first instant of month",
			now:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "december rolls into january",
			now:       time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
			wantStart: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "non-UTC input normalized",
			now:       time.Date(2024, 6, 1, 3, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)),
			wantStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := CurrentPeriod(tt.now)
			if !start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", start, tt.wantStart)
			}
			if !end.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", end, tt.wantEnd)
			}
		})
	}
}

func TestTrackAccumulates(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	count, err := m.Track(ctx, "user-1", "api_calls", 5)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if count != 5 {
		t.Errorf("first track count = %d, want 5", count)
	}

	count, err = m.Track(ctx, "user-1", "api_calls", 3)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if count != 8 {
		t.Errorf("accumulated count = %d, want 8", count)
	}

	// Other users and meters are independent.
	count, err = m.Track(ctx, "user-2", "api_calls", 1)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if count != 1 {
		t.Errorf("other user count = %d, want 1", count)
	}
}

func TestTrackMinimumAmount(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		count, err := m.Track(ctx, "user-1", "exports", amount)
		if err != nil {
			t.Fatalf("Track(%d): %v", amount, err)
		}
		if count == 0 {
			t.Errorf("Track(%d) did not count as one", amount)
		}
	}

	rec, err := m.Get(ctx, "user-1", "exports")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Count != 2 {
		t.Errorf("count after two sub-one tracks = %d, want 2", rec.Count)
	}
}

func TestTrackConcurrent(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Track(ctx, "user-1", "api_calls", 1); err != nil {
				t.Errorf("Track: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := m.Get(ctx, "user-1", "api_calls")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Count != workers {
		t.Errorf("count = %d, want %d", rec.Count, workers)
	}
}

func TestGetUntouchedMeter(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	m := newTestMeter(WithClock(func() time.Time { return now }))

	rec, err := m.Get(context.Background(), "user-1", "api_calls")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := &store.UsageRecord{
		UserID:      "user-1",
		MeterID:     "api_calls",
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("untouched meter record mismatch (-want +got):\n%s", diff)
	}
}

func TestPeriodBoundaryResetsCount(t *testing.T) {
	now := time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newTestMeter(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	if _, err := m.Track(ctx, "user-1", "api_calls", 50); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// The next month starts a fresh counter.
	clock = func() time.Time { return time.Date(2024, 4, 1, 0, 1, 0, 0, time.UTC) }

	rec, err := m.Get(ctx, "user-1", "api_calls")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Count != 0 {
		t.Errorf("count after period boundary = %d, want 0", rec.Count)
	}

	count, err := m.Track(ctx, "user-1", "api_calls", 1)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if count != 1 {
		t.Errorf("new period count = %d, want 1", count)
	}
}

func TestCheckLimit(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	if _, err := m.Track(ctx, "user-1", "api_calls", 99); err != nil {
		t.Fatalf("Track: %v", err)
	}

	tests := []struct {
		name          string
		planID        string
		meterID       string
		wantAllowed   bool
		wantLimit     int64
		wantRemaining int64
	}{
		{
			name:          "under free limit",
			planID:        "free",
			meterID:       "api_calls",
			wantAllowed:   true,
			wantLimit:     100,
			wantRemaining: 1,
		},
		{
			name:          "pro plan has a larger quota",
			planID:        "pro",
			meterID:       "api_calls",
			wantAllowed:   true,
			wantLimit:     10000,
			wantRemaining: 9901,
		},
		{
			name:          "unknown plan falls back to first configured limit",
			planID:        "enterprise",
			meterID:       "api_calls",
			wantAllowed:   true,
			wantLimit:     100,
			wantRemaining: 1,
		},
		{
			name:          "meter only configured on another plan",
			planID:        "free",
			meterID:       "exports",
			wantAllowed:   true,
			wantLimit:     50,
			wantRemaining: 50,
		},
		{
			name:          "unconfigured meter is unlimited",
			planID:        "free",
			meterID:       "webhooks",
			wantAllowed:   true,
			wantLimit:     Unlimited,
			wantRemaining: Unlimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := m.CheckLimit(ctx, "user-1", tt.planID, tt.meterID)
			if err != nil {
				t.Fatalf("CheckLimit: %v", err)
			}
			if status.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", status.Allowed, tt.wantAllowed)
			}
			if status.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", status.Limit, tt.wantLimit)
			}
			if status.Remaining != tt.wantRemaining {
				t.Errorf("remaining = %d, want %d", status.Remaining, tt.wantRemaining)
			}
		})
	}
}

func TestCheckLimitAtAndOverLimit(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	if _, err := m.Track(ctx, "user-1", "api_calls", 100); err != nil {
		t.Fatalf("Track: %v", err)
	}

	status, err := m.CheckLimit(ctx, "user-1", "free", "api_calls")
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if status.Allowed {
		t.Error("allowed at limit, want blocked (allowed is current < limit)")
	}
	if status.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", status.Remaining)
	}

	// Remaining never goes negative.
	if _, err := m.Track(ctx, "user-1", "api_calls", 10); err != nil {
		t.Fatalf("Track: %v", err)
	}
	status, err = m.CheckLimit(ctx, "user-1", "free", "api_calls")
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if status.Remaining != 0 {
		t.Errorf("remaining over limit = %d, want 0", status.Remaining)
	}
}

func TestReset(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newTestMeter(WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	if _, err := m.Track(ctx, "user-1", "api_calls", 7); err != nil {
		t.Fatalf("Track: %v", err)
	}

	clock = func() time.Time { return time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC) }
	if _, err := m.Track(ctx, "user-1", "api_calls", 3); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := m.Reset(ctx, "api_calls"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// Only prior periods are cleared; the current counter survives.
	rec, err := m.Get(ctx, "user-1", "api_calls")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Count != 3 {
		t.Errorf("current period count after reset = %d, want 3", rec.Count)
	}

	clock = func() time.Time { return now }
	rec, err = m.Get(ctx, "user-1", "api_calls")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Count != 0 {
		t.Errorf("prior period count after reset = %d, want 0", rec.Count)
	}
}

func TestList(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	if _, err := m.Track(ctx, "user-1", "api_calls", 2); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Track(ctx, "user-1", "exports", 1); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if _, err := m.Track(ctx, "user-2", "api_calls", 9); err != nil {
		t.Fatalf("Track: %v", err)
	}

	recs, err := m.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("listed %d records, want 2", len(recs))
	}
	counts := map[string]int64{}
	for _, rec := range recs {
		if rec.UserID != "user-1" {
			t.Errorf("record for %q leaked into user-1's list", rec.UserID)
		}
		counts[rec.MeterID] = rec.Count
	}
	want := map[string]int64{"api_calls": 2, "exports": 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("listed counts mismatch (-want +got):\n%s", diff)
	}
}
