// Package pipeline distributes work items over a durable log to a pool of
// consumer-group workers.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// EndMarker is the end-of-batch payload. A worker that reads it exits.
const EndMarker = "__END_OF_BATCH__"

// Log is the durable log the pipeline runs on.
type Log interface {
	Append(ctx context.Context, stream, payload string, maxLen int) (uint64, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int) ([]domain.Delivery, error)
	Ack(ctx context.Context, stream, group string, id uint64) error
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]domain.Delivery, error)
	DeadLetter(ctx context.Context, stream string, msg domain.StreamMessage, consumer, reason string) error
}

// BudgetGate reports whether the daily budget still allows work.
type BudgetGate interface {
	CheckBudgetAtomic() bool
}

// Config is shared by the producer and the workers.
type Config struct {
	Stream            string
	Group             string
	Workers           int
	MaxLen            int
	BlockInterval     time.Duration // Poll interval when the log is empty.
	ItemTimeout       time.Duration
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	ShardIndex        int
	ShardCount        int
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "signals:stream"
	}
	if c.Group == "" {
		c.Group = "fdp_group"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = time.Second
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 120 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 300 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	return c
}

// ProduceResult summarizes one Produce call.
type ProduceResult struct {
	Enqueued      int
	OutOfShard    int
	Invalid       int
	BudgetStopped bool
}

// Producer enqueues the universe.
type Producer struct {
	log  Log
	gate BudgetGate
	cfg  Config
	now  func() time.Time
}

// NewProducer creates a Producer. gate may be nil.
func NewProducer(log Log, gate BudgetGate, cfg Config) *Producer {
	return &Producer{log: log, gate: gate, cfg: cfg.withDefaults(), now: time.Now}
}

// Produce publishes one message per instrument in this shard, then one end
// marker per worker. An exhausted budget stops enqueuing early; the
// markers are still published so workers drain and exit.
func (p *Producer) Produce(ctx context.Context, universe []domain.Instrument) (ProduceResult, error) {
	var res ProduceResult
	if err := p.log.EnsureGroup(ctx, p.cfg.Stream, p.cfg.Group); err != nil {
		return res, fmt.Errorf("ensure group: %w", err)
	}

	for _, inst := range universe {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := domain.ValidateInstrument(inst.Symbol); err != nil {
			slog.Warn("invalid instrument skipped", slog.String("symbol", inst.Symbol), slog.Any("error", err))
			res.Invalid++
			continue
		}
		if p.cfg.ShardCount > 1 && !domain.InShard(inst.Symbol, p.cfg.ShardIndex, p.cfg.ShardCount) {
			res.OutOfShard++
			continue
		}
		if p.gate != nil && !p.gate.CheckBudgetAtomic() {
			slog.Warn("budget exhausted, stopping producer",
				slog.Int("enqueued", res.Enqueued),
				slog.Int("universe", len(universe)),
			)
			res.BudgetStopped = true
			break
		}

		payload, err := json.Marshal(domain.WorkItem{
			InstrumentID: inst.Symbol,
			Region:       inst.Region,
			AssetClass:   inst.AssetClass,
			EnqueuedAt:   p.now().UTC(),
		})
		if err != nil {
			return res, err
		}
		if _, err := p.log.Append(ctx, p.cfg.Stream, string(payload), p.cfg.MaxLen); err != nil {
			return res, fmt.Errorf("enqueue %s: %w", inst.Symbol, err)
		}
		res.Enqueued++
	}

	for i := 0; i < p.cfg.Workers; i++ {
		if _, err := p.log.Append(ctx, p.cfg.Stream, EndMarker, p.cfg.MaxLen); err != nil {
			return res, fmt.Errorf("enqueue end marker: %w", err)
		}
	}

	slog.Info("batch produced",
		slog.Int("enqueued", res.Enqueued),
		slog.Int("out_of_shard", res.OutOfShard),
		slog.Int("invalid", res.Invalid),
		slog.Bool("budget_stopped", res.BudgetStopped),
	)
	return res, nil
}
