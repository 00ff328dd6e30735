package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra/storage"
)

func setupLog(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	return Config{
		Stream:        "test:stream",
		Group:         "test_group",
		Workers:       1,
		BlockInterval: 5 * time.Millisecond,
		ItemTimeout:   time.Second,
		MaxDeliveries: 3,
	}
}

type countingGate struct {
	remaining int
}

func (g *countingGate) CheckBudgetAtomic() bool {
	if g.remaining <= 0 {
		return false
	}
	g.remaining--
	return true
}

func universe(symbols ...string) []domain.Instrument {
	out := make([]domain.Instrument, len(symbols))
	for i, s := range symbols {
		out[i] = domain.Instrument{Symbol: s, Region: "us", AssetClass: "equity"}
	}
	return out
}

func runPool(t *testing.T, pool *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("pool did not stop on end marker")
	}
}

func TestProducer_EnqueuesAndMarks(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()
	cfg.Workers = 3

	res, err := NewProducer(log, nil, cfg).Produce(context.Background(), universe("AAPL", "MSFT", "bad/sym", "NVDA"))
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if res.Enqueued != 3 || res.Invalid != 1 {
		t.Errorf("Expected 3 enqueued and 1 invalid, got %+v", res)
	}

	n, _ := log.StreamLen(context.Background(), cfg.Stream)
	if n != 6 {
		t.Errorf("Expected 3 items + 3 markers, got %d", n)
	}
}

func TestProducer_BudgetStopsEarly(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()

	res, err := NewProducer(log, &countingGate{remaining: 2}, cfg).
		Produce(context.Background(), universe("A", "B", "C", "D"))
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if res.Enqueued != 2 || !res.BudgetStopped {
		t.Errorf("Expected 2 enqueued then stop, got %+v", res)
	}
	n, _ := log.StreamLen(context.Background(), cfg.Stream)
	if n != 3 {
		t.Errorf("Expected 2 items + 1 marker, got %d", n)
	}
}

func TestProducer_Sharding(t *testing.T) {
	symbols := []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOG", "META", "TSLA", "AMD"}
	total := 0
	for shard := 0; shard < 3; shard++ {
		log := setupLog(t)
		cfg := testConfig()
		cfg.ShardIndex, cfg.ShardCount = shard, 3
		res, err := NewProducer(log, nil, cfg).Produce(context.Background(), universe(symbols...))
		if err != nil {
			t.Fatalf("Produce failed: %v", err)
		}
		if res.Enqueued+res.OutOfShard != len(symbols) {
			t.Errorf("shard %d: expected every symbol accounted for, got %+v", shard, res)
		}
		total += res.Enqueued
	}
	if total != len(symbols) {
		t.Errorf("Expected shards to partition %d symbols, got %d", len(symbols), total)
	}
}

func TestPool_ProcessesBatch(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()
	cfg.Workers = 3

	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	if _, err := NewProducer(log, nil, cfg).Produce(context.Background(), universe(symbols...)); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	pool := NewPool(log, func(_ context.Context, item domain.WorkItem) error {
		mu.Lock()
		seen[item.InstrumentID]++
		mu.Unlock()
		return nil
	}, cfg)
	runPool(t, pool)

	if len(seen) != len(symbols) {
		t.Errorf("Expected %d instruments processed, got %v", len(symbols), seen)
	}
	for sym, n := range seen {
		if n != 1 {
			t.Errorf("Expected %s processed once, got %d", sym, n)
		}
	}
	if pool.Stats().Processed != int64(len(symbols)) {
		t.Errorf("Expected processed %d, got %d", len(symbols), pool.Stats().Processed)
	}
	pending, _ := log.PendingCount(context.Background(), cfg.Stream, cfg.Group)
	if pending != 0 {
		t.Errorf("Expected nothing pending, got %d", pending)
	}
}

func TestPool_PoisonPillLeavesLaterMessages(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()
	ctx := context.Background()

	NewProducer(log, nil, cfg).Produce(ctx, universe("AAPL"))
	log.Append(ctx, cfg.Stream, `{"instrument_id":"LATE"}`, 0)

	var handled []string
	pool := NewPool(log, func(_ context.Context, item domain.WorkItem) error {
		handled = append(handled, item.InstrumentID)
		return nil
	}, cfg)
	runPool(t, pool)

	if len(handled) != 1 || handled[0] != "AAPL" {
		t.Errorf("Expected only AAPL before the marker, got %v", handled)
	}

	rest, err := log.ReadGroup(ctx, cfg.Stream, cfg.Group, "inspector", 10)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(rest) != 1 || !strings.Contains(rest[0].Message.Payload, "LATE") {
		t.Errorf("Expected LATE message left on the log, got %v", rest)
	}
}

func TestPool_DeadLetters(t *testing.T) {
	tests := []struct {
		name       string
		handler    Handler
		payload    string
		wantReason string
	}{
		{
			name:       "handler error",
			handler:    func(context.Context, domain.WorkItem) error { return errors.New("fetch exploded") },
			wantReason: "fetch exploded",
		},
		{
			name:       "panic",
			handler:    func(context.Context, domain.WorkItem) error { panic("boom") },
			wantReason: ReasonPanic,
		},
		{
			name: "timeout",
			handler: func(context.Context, domain.WorkItem) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			},
			wantReason: ReasonTimeout,
		},
		{
			name:       "undecodable payload",
			handler:    func(context.Context, domain.WorkItem) error { return nil },
			payload:    "{not json",
			wantReason: ReasonDecode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := setupLog(t)
			cfg := testConfig()
			cfg.ItemTimeout = 20 * time.Millisecond
			ctx := context.Background()

			if tt.payload != "" {
				log.EnsureGroup(ctx, cfg.Stream, cfg.Group)
				log.Append(ctx, cfg.Stream, tt.payload, 0)
				log.Append(ctx, cfg.Stream, EndMarker, 0)
			} else {
				NewProducer(log, nil, cfg).Produce(ctx, universe("AAPL"))
			}

			var reasons []string
			pool := NewPool(log, tt.handler, cfg, WithDeadLetterHook(func(r string) {
				reasons = append(reasons, r)
			}))
			runPool(t, pool)

			dead, _ := log.DeadLetters(ctx, cfg.Stream, 10)
			if len(dead) != 1 {
				t.Fatalf("Expected 1 dead letter, got %d", len(dead))
			}
			if !strings.HasPrefix(dead[0].Reason, tt.wantReason) {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, dead[0].Reason)
			}
			if len(reasons) != 1 {
				t.Errorf("Expected hook called once, got %v", reasons)
			}
			pending, _ := log.PendingCount(ctx, cfg.Stream, cfg.Group)
			if pending != 0 {
				t.Errorf("Expected failed item acked, got %d pending", pending)
			}
		})
	}
}

func TestPool_RedeliversStaleMessage(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()
	cfg.VisibilityTimeout = 10 * time.Millisecond
	ctx := context.Background()

	NewProducer(log, nil, cfg).Produce(ctx, universe("AAPL"))
	// A consumer that crashed after reading.
	if _, err := log.ReadGroup(ctx, cfg.Stream, cfg.Group, "crashed", 1); err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	var handled atomic.Int32
	pool := NewPool(log, func(_ context.Context, item domain.WorkItem) error {
		if item.InstrumentID == "AAPL" {
			handled.Add(1)
		}
		return nil
	}, cfg)
	runPool(t, pool)

	if handled.Load() != 1 {
		t.Errorf("Expected stale AAPL processed once, got %d", handled.Load())
	}
	if pool.Stats().Redelivered != 1 {
		t.Errorf("Expected 1 redelivery, got %d", pool.Stats().Redelivered)
	}
}

func TestPool_MaxDeliveries(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()
	cfg.VisibilityTimeout = 10 * time.Millisecond
	cfg.MaxDeliveries = 1
	ctx := context.Background()

	NewProducer(log, nil, cfg).Produce(ctx, universe("AAPL"))
	log.ReadGroup(ctx, cfg.Stream, cfg.Group, "crashed", 1)
	time.Sleep(20 * time.Millisecond)

	called := false
	pool := NewPool(log, func(context.Context, domain.WorkItem) error {
		called = true
		return nil
	}, cfg)
	runPool(t, pool)

	if called {
		t.Error("handler must not run past max deliveries")
	}
	dead, _ := log.DeadLetters(ctx, cfg.Stream, 10)
	if len(dead) != 1 || dead[0].Reason != ReasonMaxDeliveries {
		t.Errorf("Expected max_deliveries dead letter, got %+v", dead)
	}
}

func TestPool_StopsOnCancel(t *testing.T) {
	log := setupLog(t)
	cfg := testConfig()

	pool := NewPool(log, func(context.Context, domain.WorkItem) error { return nil }, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

type flakyDeadLetterLog struct {
	*storage.Storage
}

func (flakyDeadLetterLog) DeadLetter(context.Context, string, domain.StreamMessage, string, string) error {
	return errors.New("disk full")
}

func TestPool_FailedDeadLetterLeavesMessagePending(t *testing.T) {
	store := setupLog(t)
	cfg := testConfig()
	ctx := context.Background()

	NewProducer(store, nil, cfg).Produce(ctx, universe("AAPL"))
	pool := NewPool(flakyDeadLetterLog{store}, func(context.Context, domain.WorkItem) error {
		return errors.New("no data")
	}, cfg)
	runPool(t, pool)

	if got := pool.Stats().DeadLettered; got != 0 {
		t.Errorf("Expected no dead letters recorded, got %d", got)
	}
	pending, err := store.PendingCount(ctx, cfg.Stream, cfg.Group)
	if err != nil || pending != 1 {
		t.Fatalf("Expected the failed message left pending, got %d (%v)", pending, err)
	}

	time.Sleep(5 * time.Millisecond)
	claimed, err := store.ClaimStale(ctx, cfg.Stream, cfg.Group, "retry", time.Millisecond, 10)
	if err != nil {
		t.Fatalf("ClaimStale failed: %v", err)
	}
	if len(claimed) != 1 || !strings.Contains(claimed[0].Message.Payload, "AAPL") {
		t.Errorf("Expected AAPL redelivered, got %+v", claimed)
	}
}
