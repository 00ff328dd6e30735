// Package ratelimit implements per-provider token buckets behind a
// process-wide daily spend budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

const (
	perfWindow     = 20
	perfMinSamples = 5
	fastLatency    = 500 * time.Millisecond
	slowLatency    = 2 * time.Second
	speedUp        = 1.2
	slowDown       = 0.8
)

// Config tunes a Limiter.
type Config struct {
	DailyCap      float64
	WarnRatio     float64 // Warning log when spend crosses DailyCap*WarnRatio.
	CriticalRatio float64
	Adaptive      bool
	ScopeByKey    bool // Buckets per (provider,key) instead of per provider.
	Tiers         map[string]TierConfig
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used for back-pressure.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithSpendStore persists daily spend so restarts keep the budget.
func WithSpendStore(s SpendStore) Option {
	return func(l *Limiter) { l.store = s }
}

// WithSpendHook is called with the new daily total after every RecordSpend.
func WithSpendHook(fn func(total float64)) Option {
	return func(l *Limiter) { l.onSpend = fn }
}

// Limiter is safe for concurrent use. Bucket state is only reachable
// through its methods.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	store   SpendStore
	onSpend func(total float64)

	buckets sync.Map // bucket key -> *bucket

	budgetMu   sync.Mutex
	day        string
	spent      float64
	byProvider map[string]float64
	usage      map[string]int
	warned     bool
	critical   bool

	perfMu sync.Mutex
	perf   map[string][]sample
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	lastRefill time.Time
	ready      bool
}

type sample struct {
	latency time.Duration
	success bool
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.WarnRatio <= 0 {
		cfg.WarnRatio = 0.9
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = 0.95
	}
	l := &Limiter{
		cfg:        cfg,
		now:        time.Now,
		sleep:      infra.Sleep,
		byProvider: make(map[string]float64),
		usage:      make(map[string]int),
		perf:       make(map[string][]sample),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.day = dayKey(l.now())
	return l
}

// Acquire takes one token from the provider bucket, suspending the caller
// while the bucket is empty. It returns the time spent suspended.
// The budget gate is checked before every attempt; an exhausted budget is
// never waited out. A bucket always holds at least one token of capacity so
// rates below one call per minute still admit.
func (l *Limiter) Acquire(ctx context.Context, provider, key string, limitPerMinute float64) (time.Duration, error) {
	if limitPerMinute <= 0 {
		return 0, fmt.Errorf("rate limit for %s must be positive, got %v", provider, limitPerMinute)
	}
	if !l.CheckBudgetAtomic() {
		return 0, fmt.Errorf("%s: %w", provider, domain.ErrBudgetExceeded)
	}
	reserved, err := l.reserveTier(provider)
	if err != nil {
		return 0, err
	}
	admitted := false
	defer func() {
		if reserved && !admitted {
			l.releaseTier(provider)
		}
	}()

	rate := l.effectiveRate(provider, limitPerMinute)
	b := l.bucket(provider, key)

	var waited time.Duration
	for {
		b.mu.Lock()
		now := l.now()
		b.capacity = max(rate, 1)
		if !b.ready {
			b.tokens = b.capacity
			b.lastRefill = now
			b.ready = true
		}
		elapsed := now.Sub(b.lastRefill).Minutes()
		if elapsed > 0 {
			b.tokens = min(b.capacity, b.tokens+elapsed*rate)
			b.lastRefill = now
		}
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			admitted = true
			if !reserved {
				l.recordUsage(provider)
			}
			return waited, nil
		}
		wait := time.Duration((1 - b.tokens) / rate * 60 * float64(time.Second))
		b.mu.Unlock()

		slog.Debug("rate limit wait",
			slog.String("provider", provider),
			slog.String("key", key),
			slog.Duration("wait", wait),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
		if !l.CheckBudgetAtomic() {
			return waited, fmt.Errorf("%s: %w", provider, domain.ErrBudgetExceeded)
		}
	}
}

// Tokens reports the current token count of a bucket without refilling it.
func (l *Limiter) Tokens(provider, key string) float64 {
	b := l.bucket(provider, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

func (l *Limiter) bucket(provider, key string) *bucket {
	k := provider
	if l.cfg.ScopeByKey {
		k = provider + ":" + key
	}
	if v, ok := l.buckets.Load(k); ok {
		return v.(*bucket)
	}
	actual, _ := l.buckets.LoadOrStore(k, &bucket{})
	return actual.(*bucket)
}

// RecordLatency feeds the adaptive window of a provider.
func (l *Limiter) RecordLatency(provider string, latency time.Duration, success bool) {
	l.perfMu.Lock()
	defer l.perfMu.Unlock()
	w := append(l.perf[provider], sample{latency: latency, success: success})
	if len(w) > perfWindow {
		w = w[len(w)-perfWindow:]
	}
	l.perf[provider] = w
}

// EffectiveRate returns the per-minute rate Acquire would use now.
func (l *Limiter) EffectiveRate(provider string, nominal float64) float64 {
	return l.effectiveRate(provider, nominal)
}

func (l *Limiter) effectiveRate(provider string, nominal float64) float64 {
	if !l.cfg.Adaptive {
		return nominal
	}
	l.perfMu.Lock()
	w := l.perf[provider]
	if len(w) < perfMinSamples {
		l.perfMu.Unlock()
		return nominal
	}
	var sum time.Duration
	for _, s := range w {
		sum += s.latency
	}
	l.perfMu.Unlock()

	// Multipliers apply to the nominal rate, never compound.
	avg := sum / time.Duration(len(w))
	switch {
	case avg < fastLatency:
		return nominal * speedUp
	case avg > slowLatency:
		return nominal * slowDown
	default:
		return nominal
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
