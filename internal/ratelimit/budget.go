package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// SpendStore persists per-provider spend by UTC day.
type SpendStore interface {
	LoadSpend(ctx context.Context, day string) (map[string]float64, error)
	AddSpend(ctx context.Context, day, provider string, amount float64) error
}

// Tier is a provider service tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierPremium  Tier = "premium"
	TierDisabled Tier = "disabled"
)

// TierConfig limits a provider. FreeLimit is calls per UTC day on the free tier.
type TierConfig struct {
	Tier      Tier
	FreeLimit int
}

// BudgetStatus is the budget view served on /budget.
type BudgetStatus struct {
	Day        string             `json:"day"`
	Spent      float64            `json:"spent"`
	Cap        float64            `json:"cap"`
	Remaining  float64            `json:"remaining"`
	ByProvider map[string]float64 `json:"by_provider"`
	Usage      map[string]int     `json:"usage"`
	Warning    bool               `json:"warning"`
	Critical   bool               `json:"critical"`
}

// Restore loads today's spend from the store.
func (l *Limiter) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.budgetMu.Lock()
	l.rolloverLocked()
	day := l.day
	l.budgetMu.Unlock()

	spend, err := l.store.LoadSpend(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to restore spend: %w", err)
	}

	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()
	if l.day != day {
		return nil
	}
	for provider, amount := range spend {
		l.byProvider[provider] += amount
		l.spent += amount
	}
	slog.Info("daily spend restored", slog.String("day", day), slog.Float64("spent", l.spent))
	return nil
}

// CheckBudgetAtomic reports whether spend is still below the daily cap.
func (l *Limiter) CheckBudgetAtomic() bool {
	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()
	l.rolloverLocked()
	return l.spent < l.cfg.DailyCap
}

// RecordSpend adds cost to today's spend for provider.
func (l *Limiter) RecordSpend(provider string, cost float64) {
	if cost <= 0 {
		return
	}
	l.budgetMu.Lock()
	l.rolloverLocked()
	l.spent += cost
	l.byProvider[provider] += cost
	total := l.spent
	day := l.day

	warnAt := l.cfg.DailyCap * l.cfg.WarnRatio
	critAt := l.cfg.DailyCap * l.cfg.CriticalRatio
	warn := !l.warned && total >= warnAt
	crit := !l.critical && total >= critAt
	if warn {
		l.warned = true
	}
	if crit {
		l.critical = true
	}
	l.budgetMu.Unlock()

	slog.Debug("api spend recorded",
		slog.String("provider", provider),
		slog.Float64("cost", cost),
		slog.Float64("total_spent", total),
	)
	if crit {
		slog.Error("budget critical", slog.Float64("spent", total), slog.Float64("budget", l.cfg.DailyCap))
	} else if warn {
		slog.Warn("budget warning", slog.Float64("spent", total), slog.Float64("budget", l.cfg.DailyCap))
	}

	if l.onSpend != nil {
		l.onSpend(total)
	}
	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.AddSpend(ctx, day, provider, cost); err != nil {
			slog.Warn("failed to persist spend", slog.String("provider", provider), slog.Any("error", err))
		}
	}
}

// Status returns a copy of today's budget state.
func (l *Limiter) Status() BudgetStatus {
	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()
	l.rolloverLocked()

	by := make(map[string]float64, len(l.byProvider))
	for k, v := range l.byProvider {
		by[k] = v
	}
	usage := make(map[string]int, len(l.usage))
	for k, v := range l.usage {
		usage[k] = v
	}
	remaining := l.cfg.DailyCap - l.spent
	if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		Day:        l.day,
		Spent:      l.spent,
		Cap:        l.cfg.DailyCap,
		Remaining:  remaining,
		ByProvider: by,
		Usage:      usage,
		Warning:    l.spent >= l.cfg.DailyCap*l.cfg.WarnRatio,
		Critical:   l.spent >= l.cfg.DailyCap*l.cfg.CriticalRatio,
	}
}

// rolloverLocked resets the counters at the UTC day boundary. Caller holds budgetMu.
func (l *Limiter) rolloverLocked() {
	today := dayKey(l.now())
	if today == l.day {
		return
	}
	slog.Info("budget day rollover", slog.String("from", l.day), slog.String("to", today), slog.Float64("spent", l.spent))
	l.day = today
	l.spent = 0
	l.byProvider = make(map[string]float64)
	l.usage = make(map[string]int)
	l.warned = false
	l.critical = false
}

// reserveTier applies the provider's tier. A free-tier call takes its usage
// slot under the budget lock; reserved reports whether that happened so a
// failed acquire can hand it back.
func (l *Limiter) reserveTier(provider string) (reserved bool, err error) {
	tier, ok := l.cfg.Tiers[provider]
	if !ok {
		return false, nil
	}
	switch tier.Tier {
	case TierDisabled:
		return false, fmt.Errorf("%s disabled: %w", provider, domain.ErrProviderUnavailable)
	case TierFree:
		if tier.FreeLimit <= 0 {
			return false, nil
		}
		l.budgetMu.Lock()
		l.rolloverLocked()
		used := l.usage[provider]
		if used >= tier.FreeLimit {
			l.budgetMu.Unlock()
			return false, fmt.Errorf("%s free tier exhausted (%d/%d): %w", provider, used, tier.FreeLimit, domain.ErrProviderUnavailable)
		}
		l.usage[provider] = used + 1
		l.budgetMu.Unlock()
		if used+1 == int(float64(tier.FreeLimit)*0.9) {
			slog.Warn("service near limit", slog.String("provider", provider), slog.Int("usage", used+1), slog.Int("limit", tier.FreeLimit))
		}
		return true, nil
	}
	return false, nil
}

func (l *Limiter) releaseTier(provider string) {
	l.budgetMu.Lock()
	if l.usage[provider] > 0 {
		l.usage[provider]--
	}
	l.budgetMu.Unlock()
}

func (l *Limiter) recordUsage(provider string) {
	l.budgetMu.Lock()
	l.rolloverLocked()
	l.usage[provider]++
	l.budgetMu.Unlock()
}
