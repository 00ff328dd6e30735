package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

// Handler processes one work item. A returned error sends the message to
// the dead-letter log.
type Handler func(ctx context.Context, item domain.WorkItem) error

// Dead-letter reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonPanic         = "panic"
	ReasonDecode        = "decode"
	ReasonMaxDeliveries = "max_deliveries"
)

var errItemTimeout = errors.New("item timeout")

// Stats counts worker outcomes since the pool was created.
type Stats struct {
	Processed    int64
	DeadLettered int64
	Redelivered  int64
}

// Pool runs cooperative consumer-group workers over the log.
type Pool struct {
	log     Log
	cfg     Config
	handler Handler
	prefix  string
	onDead  func(reason string)

	processed    atomic.Int64
	deadLettered atomic.Int64
	redelivered  atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDeadLetterHook is called for every dead-lettered message.
func WithDeadLetterHook(fn func(reason string)) PoolOption {
	return func(p *Pool) { p.onDead = fn }
}

// NewPool creates a worker pool.
func NewPool(log Log, handler Handler, cfg Config, opts ...PoolOption) *Pool {
	p := &Pool{
		log:     log,
		cfg:     cfg.withDefaults(),
		handler: handler,
		prefix:  uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		DeadLettered: p.deadLettered.Load(),
		Redelivered:  p.redelivered.Load(),
	}
}

// Run starts the workers and blocks until every worker has read an end
// marker or ctx is cancelled. Cancellation lets the current item finish.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.log.EnsureGroup(ctx, p.cfg.Stream, p.cfg.Group); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		name := fmt.Sprintf("worker-%s-%d", p.prefix, i)
		g.Go(func() error {
			return p.work(gctx, name)
		})
	}
	err := g.Wait()

	stats := p.Stats()
	slog.Info("worker pool stopped",
		slog.Int64("processed", stats.Processed),
		slog.Int64("dead_lettered", stats.DeadLettered),
		slog.Int64("redelivered", stats.Redelivered),
	)
	return err
}

func (p *Pool) work(ctx context.Context, consumer string) error {
	logger := slog.With(slog.String("consumer", consumer))
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopping on shutdown")
			return nil
		}

		deliveries, err := p.log.ClaimStale(ctx, p.cfg.Stream, p.cfg.Group, consumer, p.cfg.VisibilityTimeout, 1)
		if err == nil && len(deliveries) == 0 {
			deliveries, err = p.log.ReadGroup(ctx, p.cfg.Stream, p.cfg.Group, consumer, 1)
		} else if err == nil {
			p.redelivered.Add(int64(len(deliveries)))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("log read failed", slog.Any("error", err))
			if err := infra.Sleep(ctx, p.cfg.BlockInterval); err != nil {
				return nil
			}
			continue
		}

		if len(deliveries) == 0 {
			if err := infra.Sleep(ctx, p.cfg.BlockInterval); err != nil {
				return nil
			}
			continue
		}

		for _, d := range deliveries {
			if d.Message.Payload == EndMarker {
				p.ack(d.Message, logger)
				logger.Info("end of batch reached")
				return nil
			}
			p.handle(ctx, consumer, d, logger)
		}
	}
}

// handle processes one delivery and acknowledges it once it is either
// processed or recorded as a dead letter. A failed dead-letter write leaves
// the message pending so the visibility timeout redelivers it.
func (p *Pool) handle(ctx context.Context, consumer string, d domain.Delivery, logger *slog.Logger) {
	msg := d.Message
	if reason, failed := p.process(ctx, d, logger); failed && !p.deadLetter(msg, consumer, reason, logger) {
		return
	}
	p.ack(msg, logger)
}

// process runs one delivery, returning the dead-letter reason on failure.
func (p *Pool) process(ctx context.Context, d domain.Delivery, logger *slog.Logger) (string, bool) {
	msg := d.Message
	if d.Deliveries > p.cfg.MaxDeliveries {
		return ReasonMaxDeliveries, true
	}

	var item domain.WorkItem
	if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
		return ReasonDecode + ": " + err.Error(), true
	}

	if err := p.runItem(ctx, item); err != nil {
		reason := err.Error()
		if errors.Is(err, errItemTimeout) {
			reason = ReasonTimeout
		}
		logger.Warn("item failed",
			slog.String("instrument", item.InstrumentID),
			slog.Uint64("message_id", msg.ID),
			slog.String("reason", reason),
		)
		return reason, true
	}
	p.processed.Add(1)
	return "", false
}

// runItem bounds the handler by the item timeout. Shutdown does not cancel
// an item already in flight.
func (p *Pool) runItem(ctx context.Context, item domain.WorkItem) error {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ItemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker panic recovered",
					slog.String("instrument", item.InstrumentID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- fmt.Errorf("%s: %v", ReasonPanic, r)
			}
		}()
		done <- p.handler(itemCtx, item)
	}()

	select {
	case err := <-done:
		return err
	case <-itemCtx.Done():
		return fmt.Errorf("%w after %s", errItemTimeout, p.cfg.ItemTimeout)
	}
}

func (p *Pool) deadLetter(msg domain.StreamMessage, consumer, reason string, logger *slog.Logger) bool {
	if err := p.log.DeadLetter(context.Background(), p.cfg.Stream, msg, consumer, reason); err != nil {
		logger.Error("dead letter write failed, leaving message pending",
			slog.Uint64("message_id", msg.ID), slog.Any("error", err))
		return false
	}
	p.deadLettered.Add(1)
	if p.onDead != nil {
		p.onDead(reason)
	}
	return true
}

func (p *Pool) ack(msg domain.StreamMessage, logger *slog.Logger) {
	if err := p.log.Ack(context.Background(), p.cfg.Stream, p.cfg.Group, msg.ID); err != nil {
		logger.Error("ack failed", slog.Uint64("message_id", msg.ID), slog.Any("error", err))
	}
}
