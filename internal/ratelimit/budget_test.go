package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

type memSpendStore struct {
	mu    sync.Mutex
	spend map[string]map[string]float64
}

func newMemSpendStore() *memSpendStore {
	return &memSpendStore{spend: make(map[string]map[string]float64)}
}

func (s *memSpendStore) LoadSpend(_ context.Context, day string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64)
	for k, v := range s.spend[day] {
		out[k] = v
	}
	return out, nil
}

func (s *memSpendStore) AddSpend(_ context.Context, day, provider string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spend[day] == nil {
		s.spend[day] = make(map[string]float64)
	}
	s.spend[day][provider] += amount
	return nil
}

func TestBudgetGate(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(Config{DailyCap: 1.0}, clock)
	ctx := context.Background()

	if !l.CheckBudgetAtomic() {
		t.Fatal("Expected budget available initially")
	}

	l.RecordSpend("polygon", 0.6)
	if !l.CheckBudgetAtomic() {
		t.Error("Expected budget available at 0.6/1.0")
	}

	l.RecordSpend("fmp", 0.4)
	if l.CheckBudgetAtomic() {
		t.Error("Expected budget exhausted at 1.0/1.0")
	}

	// Stays exhausted for the rest of the day and nothing waits.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		_, err := l.Acquire(ctx, "yahoo", "k", 100)
		if !errors.Is(err, domain.ErrBudgetExceeded) {
			t.Fatalf("Expected ErrBudgetExceeded, got %v", err)
		}
	}
	if clock.sleeps != 0 {
		t.Errorf("Budget gate must not suspend, got %d sleeps", clock.sleeps)
	}

	status := l.Status()
	if status.ByProvider["polygon"] != 0.6 || status.ByProvider["fmp"] != 0.4 {
		t.Errorf("Unexpected per-provider spend %v", status.ByProvider)
	}
	if !status.Critical || status.Remaining != 0 {
		t.Errorf("Expected critical with nothing remaining, got %+v", status)
	}
}

func TestBudget_DayRollover(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(Config{DailyCap: 1.0}, clock)

	l.RecordSpend("polygon", 2.0)
	if l.CheckBudgetAtomic() {
		t.Fatal("Expected budget exhausted")
	}

	// 2024-03-01 12:00 UTC + 12h = next UTC day.
	clock.Advance(12 * time.Hour)
	if !l.CheckBudgetAtomic() {
		t.Error("Expected budget reset at UTC day rollover")
	}
	if s := l.Status(); s.Spent != 0 || s.Day != "2024-03-02" {
		t.Errorf("Unexpected status after rollover %+v", s)
	}
}

func TestBudget_SpendNonDecreasing(t *testing.T) {
	l := newTestLimiter(Config{DailyCap: 10}, newFakeClock())
	prev := 0.0
	for _, c := range []float64{0.1, 0, -5, 0.25, 1} {
		l.RecordSpend("x", c)
		spent := l.Status().Spent
		if spent < prev {
			t.Fatalf("spend decreased from %v to %v", prev, spent)
		}
		prev = spent
	}
}

func TestBudget_WarningThresholds(t *testing.T) {
	l := newTestLimiter(Config{DailyCap: 1.0}, newFakeClock())

	l.RecordSpend("a", 0.85)
	if s := l.Status(); s.Warning {
		t.Error("Expected no warning at 85%")
	}
	l.RecordSpend("a", 0.06)
	if s := l.Status(); !s.Warning || s.Critical {
		t.Errorf("Expected warning only at 91%%, got %+v", s)
	}
	l.RecordSpend("a", 0.05)
	if s := l.Status(); !s.Critical {
		t.Error("Expected critical at 96%")
	}
}

func TestBudget_SpendHookAndStore(t *testing.T) {
	clock := newFakeClock()
	store := newMemSpendStore()
	var hooked float64
	l := newTestLimiter(Config{DailyCap: 5}, clock,
		WithSpendStore(store),
		WithSpendHook(func(total float64) { hooked = total }),
	)

	l.RecordSpend("notify", 0.25)
	l.RecordSpend("alpha", 0.5)
	if hooked != 0.75 {
		t.Errorf("Expected hook total 0.75, got %v", hooked)
	}

	// A restarted limiter on the same day resumes the spend.
	restarted := newTestLimiter(Config{DailyCap: 5}, clock, WithSpendStore(store))
	if err := restarted.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if s := restarted.Status(); s.Spent != 0.75 || s.ByProvider["alpha"] != 0.5 {
		t.Errorf("Expected restored spend 0.75, got %+v", s)
	}
}

func TestServiceTiers(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(Config{
		Tiers: map[string]TierConfig{
			"alpha":   {Tier: TierFree, FreeLimit: 2},
			"tiingo":  {Tier: TierDisabled},
			"polygon": {Tier: TierPremium},
		},
	}, clock)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "tiingo", "k", 100); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("Expected disabled provider unavailable, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := l.Acquire(ctx, "alpha", "k", 100); err != nil {
			t.Fatalf("free call %d failed: %v", i, err)
		}
	}
	if _, err := l.Acquire(ctx, "alpha", "k", 100); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("Expected exhausted free tier, got %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := l.Acquire(ctx, "polygon", "k", 100); err != nil {
			t.Errorf("premium call failed: %v", err)
		}
	}

	clock.Advance(24 * time.Hour)
	if _, err := l.Acquire(ctx, "alpha", "k", 100); err != nil {
		t.Errorf("Expected free tier reset next day, got %v", err)
	}
}

func TestServiceTiers_ConcurrentFreeLimit(t *testing.T) {
	l := New(Config{
		DailyCap: 5,
		Tiers:    map[string]TierConfig{"alpha": {Tier: TierFree, FreeLimit: 10}},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "alpha", "k", 1000); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Errorf("Expected exactly 10 free calls admitted, got %d", admitted)
	}
	if got := l.Status().Usage["alpha"]; got != 10 {
		t.Errorf("Expected usage 10, got %d", got)
	}
}

func TestServiceTiers_FailedAcquireReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(Config{
		Tiers: map[string]TierConfig{"alpha": {Tier: TierFree, FreeLimit: 2}},
	}, clock)

	if _, err := l.Acquire(context.Background(), "alpha", "k", 1); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, "alpha", "k", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if got := l.Status().Usage["alpha"]; got != 1 {
		t.Errorf("Expected the cancelled call to give its slot back, got usage %d", got)
	}
}
