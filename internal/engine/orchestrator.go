// Package engine drives each work item through the decision pipeline:
// kill switch, admission, fetch, decide, size, risk check and execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/circuit"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/risk"
)

// ProviderProcessing is the admission-control bucket.
const ProviderProcessing = "processing"

// Status is the terminal state of one item.
type Status string

const (
	StatusAcked   Status = "acked"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
)

// Stages, reported on failed outcomes.
const (
	StageKillSwitch = "kill_switch"
	StageAdmission  = "admission"
	StageFetch      = "fetch"
	StageDecide     = "decide"
	StageSize       = "size"
	StageRisk       = "risk"
	StageExecute    = "execute"
)

// Outcome is the structured result of one item.
type Outcome struct {
	InstrumentID string          `json:"instrument_id"`
	Status       Status          `json:"status"`
	Stage        string          `json:"stage,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Direction    string          `json:"direction,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`
	SizeUSD      decimal.Decimal `json:"size_usd"`
	OrderID      string          `json:"order_id,omitempty"`
	Duplicate    bool            `json:"duplicate,omitempty"`
	Attempts     int             `json:"attempts"`
	Duration     time.Duration   `json:"duration_ns"`
	Err          error           `json:"-"`
}

// Limiter is the rate limiter and budget meter.
type Limiter interface {
	Acquire(ctx context.Context, provider, key string, limitPerMinute float64) (time.Duration, error)
	RecordSpend(provider string, cost float64)
	RecordLatency(provider string, latency time.Duration, success bool)
}

// AuditLog records decisions and orders.
type AuditLog interface {
	AppendAudit(ctx context.Context, eventType, instrumentID, action string, details any) error
}

// Deps are the collaborators of the Orchestrator. Notifier, Drift, Audit
// and Metrics may be nil.
type Deps struct {
	Broker     domain.Broker
	Data       domain.MarketData
	Scorer     domain.Scorer
	Drift      domain.DriftDetector
	Notifier   domain.Notifier
	Limiter    Limiter
	Breaker    *circuit.Breaker
	Sizer      *risk.Sizer
	Risk       *risk.Manager
	KillSwitch *KillSwitch
	Audit      AuditLog
	Metrics    *infra.Metrics
}

// Settings are the orchestrator knobs.
type Settings struct {
	Mode           string
	MinConfidence  float64
	WinLossRatio   float64
	OrderType      string
	DecisionWindow time.Duration
	Lookback       time.Duration
	MinBars        int

	PriceProvider        string
	FundamentalsProvider string
	SentimentProvider    string

	RateLimits map[string]float64 // Calls per minute by provider.
	Costs      map[string]float64 // Spend per call by provider.

	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
}

// SettingsFromConfig maps the service configuration.
func SettingsFromConfig(cfg *infra.Config) Settings {
	return Settings{
		Mode:                 cfg.Execution.Mode,
		MinConfidence:        cfg.Execution.MinConfidence,
		WinLossRatio:         cfg.Risk.WinLossRatio,
		OrderType:            cfg.Execution.OrderType,
		DecisionWindow:       time.Duration(cfg.Execution.DecisionWindowSec) * time.Second,
		Lookback:             time.Duration(cfg.MarketData.LookbackDays) * 24 * time.Hour,
		MinBars:              cfg.MarketData.MinBars,
		PriceProvider:        cfg.Providers.Price,
		FundamentalsProvider: cfg.Providers.Fundamentals,
		SentimentProvider:    cfg.Providers.Sentiment,
		RateLimits:           cfg.RateLimits,
		Costs:                cfg.Budget.Costs,
		MaxRetries:           cfg.Pipeline.MaxRetries,
		RetryBase:            time.Second,
		RetryMax:             30 * time.Second,
	}
}

// Orchestrator runs the per-item state machine. Safe for concurrent use by
// the worker pool.
type Orchestrator struct {
	deps  Deps
	set   Settings
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, set Settings) *Orchestrator {
	if set.DecisionWindow <= 0 {
		set.DecisionWindow = time.Hour
	}
	if set.WinLossRatio <= 0 {
		set.WinLossRatio = 1.5
	}
	if set.OrderType == "" {
		set.OrderType = domain.OrderTypeLimit
	}
	if set.RetryBase <= 0 {
		set.RetryBase = time.Second
	}
	if set.RetryMax <= 0 {
		set.RetryMax = 30 * time.Second
	}
	return &Orchestrator{deps: deps, set: set, now: time.Now, sleep: infra.Sleep}
}

// IdempotencyKey derives the order key from the instrument and the
// decision time truncated to the decision window.
func IdempotencyKey(instrumentID string, decidedAt time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%d", instrumentID, decidedAt.UTC().Truncate(window).Unix())
}

// Handle adapts ProcessSafe to the worker pool. Failed outcomes are
// returned as errors so the message is dead-lettered.
func (o *Orchestrator) Handle(ctx context.Context, item domain.WorkItem) error {
	out := o.ProcessSafe(ctx, item)
	if out.Status == StatusFailed {
		return fmt.Errorf("%s: %s", out.Stage, out.Reason)
	}
	return nil
}

// ProcessSafe runs the item, retrying retriable failures with exponential
// backoff up to MaxRetries more times. It never panics on collaborator
// errors; every result becomes an Outcome.
func (o *Orchestrator) ProcessSafe(ctx context.Context, item domain.WorkItem) Outcome {
	start := o.now()
	decidedAt := item.EnqueuedAt
	if decidedAt.IsZero() {
		decidedAt = start
	}

	var out Outcome
	for attempt := 0; ; attempt++ {
		out = o.process(ctx, item, decidedAt)
		out.Attempts = attempt + 1
		if out.Status != StatusFailed || !domain.IsRetriable(out.Err) || attempt >= o.set.MaxRetries {
			break
		}
		delay := infra.ExponentialDelay(attempt, o.set.RetryBase, o.set.RetryMax)
		slog.Warn("retrying item",
			slog.String("instrument", item.InstrumentID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", out.Err),
		)
		if err := o.sleep(ctx, delay); err != nil {
			break
		}
	}
	out.Duration = o.now().Sub(start)
	o.record(ctx, out)
	return out
}

func (o *Orchestrator) process(ctx context.Context, item domain.WorkItem, decidedAt time.Time) Outcome {
	id := item.InstrumentID
	out := Outcome{InstrumentID: id}

	if o.deps.KillSwitch != nil && o.deps.KillSwitch.Active() {
		out.Status, out.Stage, out.Reason, out.Err = StatusKilled, StageKillSwitch, "kill_switch", domain.ErrKillSwitch
		return out
	}
	if err := domain.ValidateInstrument(id); err != nil {
		return fail(out, StageAdmission, err)
	}

	waited, err := o.deps.Limiter.Acquire(ctx, ProviderProcessing, id, o.rate(ProviderProcessing))
	o.recordWait(ProviderProcessing, waited)
	if err != nil {
		return fail(out, StageAdmission, err)
	}

	features, err := o.fetch(ctx, id)
	if err != nil {
		return fail(out, StageFetch, err)
	}

	// Decide
	pred := o.deps.Scorer.Score(features)
	out.Direction, out.Confidence = pred.Direction, pred.Confidence
	if o.deps.Drift != nil {
		if drift := o.deps.Drift.CheckDrift(id, features); drift.Detected {
			slog.Warn("feature drift detected", slog.String("instrument", id), slog.Float64("score", drift.Score))
			o.notify(ctx, fmt.Sprintf("Drift detected on %s (score %.2f)", id, drift.Score), domain.SeverityWarning)
		}
	}
	if pred.Confidence < o.set.MinConfidence {
		return skip(out, "low_confidence")
	}
	if pred.Direction != domain.SideBuy && pred.Direction != domain.SideSell {
		return skip(out, "no_direction")
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordSignal(pred.Direction)
	}

	// Size
	acct, err := o.deps.Broker.GetAccountSummary(ctx)
	if err != nil {
		return fail(out, StageSize, err)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.SetPortfolioValue(acct.PortfolioValue.InexactFloat64())
	}
	price := decimal.NewFromFloat(features.LastClose())
	size := o.deps.Sizer.Size(pred.Confidence, o.set.WinLossRatio, acct)
	qty := risk.Quantity(size, price)
	if pred.Direction == domain.SideSell {
		positions, err := o.deps.Broker.GetPositions(ctx)
		if err != nil {
			return fail(out, StageSize, err)
		}
		held := positions[id].Quantity
		if !held.IsPositive() {
			return skip(out, "no_position")
		}
		if qty.GreaterThan(held) {
			qty = held
		}
	}
	if !qty.IsPositive() {
		return skip(out, "size_below_minimum")
	}
	out.SizeUSD = qty.Mul(price).Round(2)

	// Risk check
	intent := risk.OrderIntent{InstrumentID: id, Side: pred.Direction, Quantity: qty, Price: price}
	if o.deps.KillSwitch != nil {
		o.deps.Risk.SetKillSwitch(o.deps.KillSwitch.Active())
	}
	decision := o.deps.Risk.Validate(intent, acct)
	o.audit(ctx, "risk", id, decisionAction(decision), map[string]any{
		"side": intent.Side, "quantity": qty.String(), "price": price.String(), "decision": decision,
	})
	if !decision.Allowed {
		out.Status, out.Stage, out.Reason = StatusFailed, StageRisk, decision.Rule
		out.Err = domain.NewValidationError(decision.Rule, decision.Reason)
		return out
	}

	// Execute
	key := IdempotencyKey(id, decidedAt, o.set.DecisionWindow)
	if o.set.Mode == infra.ModeAlertOnly {
		o.notify(ctx, fmt.Sprintf("Signal %s %s x%s @ %s (confidence %.2f)",
			pred.Direction, id, qty, price.StringFixed(2), pred.Confidence), domain.SeverityInfo)
		o.audit(ctx, "signal", id, pred.Direction, map[string]any{"key": key, "confidence": pred.Confidence})
		out.Status, out.Reason = StatusAcked, "alert_only"
		return out
	}

	order := domain.Order{
		InstrumentID:   id,
		Side:           pred.Direction,
		Type:           o.set.OrderType,
		Quantity:       qty,
		IdempotencyKey: key,
	}
	if order.Type == domain.OrderTypeLimit {
		order.LimitPrice = price
	}
	placedAt := time.Now()
	placed, err := o.deps.Broker.PlaceOrder(ctx, order)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveOrder(time.Since(placedAt))
	}
	if err != nil {
		return fail(out, StageExecute, err)
	}
	o.audit(ctx, "order", id, placed.Status, map[string]any{
		"order_id": placed.ID, "key": key, "side": placed.Side, "quantity": placed.Quantity.String(),
		"fill_price": placed.FillPrice.String(), "duplicate": placed.Duplicate,
	})

	out.Status = StatusAcked
	out.OrderID, out.Duplicate = placed.ID, placed.Duplicate
	return out
}

// fetch assembles features. Price history is required; fundamentals and
// sentiment degrade to neutral unless the budget is exhausted.
func (o *Orchestrator) fetch(ctx context.Context, id string) (domain.Features, error) {
	f := domain.Features{Instrument: id, Fundamentals: map[string]float64{}}

	bars, err := callProvider(ctx, o, o.set.PriceProvider, id, func(ctx context.Context) ([]domain.Bar, error) {
		return o.deps.Data.FetchPriceHistory(ctx, id, o.set.Lookback)
	})
	if err != nil {
		return f, err
	}
	if err := domain.ValidateBars(id, bars, o.set.MinBars); err != nil {
		return f, err
	}
	f.Bars = bars

	fundamentals, err := callProvider(ctx, o, o.set.FundamentalsProvider, id, func(ctx context.Context) (map[string]float64, error) {
		return o.deps.Data.FetchFundamentals(ctx, id)
	})
	if errors.Is(err, domain.ErrBudgetExceeded) {
		return f, err
	}
	if err != nil {
		slog.Warn("fundamentals unavailable, using neutral", slog.String("instrument", id), slog.Any("error", err))
	} else if fundamentals != nil {
		f.Fundamentals = fundamentals
	}

	sentiment, err := callProvider(ctx, o, o.set.SentimentProvider, id, func(ctx context.Context) (float64, error) {
		return o.deps.Data.FetchSentiment(ctx, id)
	})
	if errors.Is(err, domain.ErrBudgetExceeded) {
		return f, err
	}
	if err != nil {
		slog.Warn("sentiment unavailable, using neutral", slog.String("instrument", id), slog.Any("error", err))
	} else if !math.IsNaN(sentiment) {
		f.Sentiment = min(max(sentiment, -1), 1)
	}
	return f, nil
}

// callProvider rate limits, breaks and meters one provider call.
func callProvider[T any](ctx context.Context, o *Orchestrator, provider, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	waited, err := o.deps.Limiter.Acquire(ctx, provider, key, o.rate(provider))
	o.recordWait(provider, waited)
	if err != nil {
		return zero, err
	}

	start := time.Now()
	v, err := circuit.Do(ctx, o.deps.Breaker, provider, fn)
	var open *domain.CircuitOpenError
	if errors.As(err, &open) {
		return zero, err
	}
	o.deps.Limiter.RecordLatency(provider, time.Since(start), err == nil)
	o.deps.Limiter.RecordSpend(provider, o.set.Costs[provider])
	return v, err
}

func (o *Orchestrator) rate(provider string) float64 {
	if r, ok := o.set.RateLimits[provider]; ok && r > 0 {
		return r
	}
	return 60
}

func (o *Orchestrator) recordWait(provider string, d time.Duration) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRateWait(provider, d)
	}
}

func (o *Orchestrator) notify(ctx context.Context, msg string, sev domain.Severity) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.SendAlert(ctx, msg, sev)
	}
}

func (o *Orchestrator) audit(ctx context.Context, eventType, id, action string, details any) {
	if o.deps.Audit == nil {
		return
	}
	if err := o.deps.Audit.AppendAudit(context.WithoutCancel(ctx), eventType, id, action, details); err != nil {
		slog.Error("audit write failed", slog.String("instrument", id), slog.Any("error", err))
	}
}

// record logs the terminal outcome and updates the counters.
func (o *Orchestrator) record(ctx context.Context, out Outcome) {
	attrs := []any{
		slog.String("instrument", out.InstrumentID),
		slog.String("status", string(out.Status)),
		slog.Int("attempts", out.Attempts),
		slog.Duration("duration", out.Duration),
	}
	if out.Stage != "" {
		attrs = append(attrs, slog.String("stage", out.Stage))
	}
	if out.Reason != "" {
		attrs = append(attrs, slog.String("reason", out.Reason))
	}
	if out.OrderID != "" {
		attrs = append(attrs, slog.String("order_id", out.OrderID), slog.Bool("duplicate", out.Duplicate))
	}

	switch out.Status {
	case StatusFailed:
		attrs = append(attrs, slog.Any("error", out.Err))
		slog.Warn("item failed", attrs...)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordFailed(out.Reason)
		}
		if out.Stage != StageRisk {
			o.audit(ctx, "failure", out.InstrumentID, out.Stage, map[string]any{"reason": out.Reason, "error": errString(out.Err)})
		}
	case StatusSkipped, StatusKilled:
		slog.Info("item skipped", attrs...)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordSkipped(out.Reason)
		}
	default:
		slog.Info("item processed", attrs...)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordProcessed()
		}
	}
}

func fail(out Outcome, stage string, err error) Outcome {
	out.Status, out.Stage, out.Reason, out.Err = StatusFailed, stage, classify(err), err
	return out
}

func skip(out Outcome, reason string) Outcome {
	out.Status, out.Reason = StatusSkipped, reason
	return out
}

// classify maps an error to the failure reason label.
func classify(err error) string {
	var (
		open *domain.CircuitOpenError
		dq   *domain.DataQualityError
		ve   *domain.ValidationError
		ce   *domain.ConnectivityError
	)
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, domain.ErrInvalidSymbol):
		return "invalid_symbol"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &dq):
		return "data_quality"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "connectivity"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func decisionAction(d risk.Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
