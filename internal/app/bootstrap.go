package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/api"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/circuit"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/engine"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/execution"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra/feed"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra/storage"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/notify"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/pipeline"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/ratelimit"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/risk"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/service"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/strategy"
)

const (
	smaShort = 10
	smaLong  = 30
)

// Bootstrap wires the components and owns their lifecycle.
type Bootstrap struct {
	Config       *infra.Config
	Storage      *storage.Storage
	Metrics      *infra.Metrics
	Limiter      *ratelimit.Limiter
	Breaker      *circuit.Breaker
	Broker       domain.Broker
	Marks        *service.MarkService
	Notifier     *notify.Manager
	KillSwitch   *engine.KillSwitch
	Orchestrator *engine.Orchestrator
	Producer     *pipeline.Producer
	Pool         *pipeline.Pool
	Feed         *feed.Worker
	API          *api.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds every component. Only config
// validation errors and an unusable database are fatal.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("bootstrapping", slog.String("app", cfg.App.Name), slog.String("version", cfg.App.Version), slog.String("mode", cfg.Execution.Mode))

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	b.Storage = store
	slog.Info("database initialized", slog.String("path", cfg.Storage.Path))

	b.Metrics = infra.NewMetrics()
	b.Limiter = ratelimit.New(limiterConfig(cfg),
		ratelimit.WithSpendStore(store),
		ratelimit.WithSpendHook(b.Metrics.SetAPICosts),
	)
	if err := b.Limiter.Restore(ctx); err != nil {
		slog.Warn("spend restore failed, starting from zero", slog.Any("error", err))
	}

	breakerOpts := []circuit.Option{
		circuit.WithStateChange(func(provider string, _, to circuit.State) {
			b.Metrics.SetCircuitState(provider, string(to))
		}),
	}
	if cfg.Circuit.Adaptive {
		breakerOpts = append(breakerOpts, circuit.WithAdaptiveTimeout())
	}
	b.Breaker = circuit.New(circuit.Config{
		Threshold:       cfg.Circuit.Threshold,
		RecoveryTimeout: time.Duration(cfg.Circuit.RecoveryTimeoutSec) * time.Second,
		Adaptive:        cfg.Circuit.Adaptive,
	}, breakerOpts...)

	broker, err := execution.NewBroker(cfg, execution.NewLedger(store))
	if err != nil {
		return err
	}
	if err := broker.Connect(ctx); err != nil {
		// The health endpoint reports it; orders fail as connectivity errors.
		slog.Error("broker connect failed", slog.String("broker", broker.Name()), slog.Any("error", err))
	}
	b.Broker = broker
	slog.Info("broker ready", slog.String("broker", broker.Name()))

	var sinks []service.PriceSink
	if paper, ok := broker.(*execution.PaperBroker); ok {
		sinks = append(sinks, paper)
	}
	b.Marks = service.NewMarkService(sinks...)
	if cfg.Feed.WSURL != "" && len(cfg.Feed.Symbols) > 0 {
		b.Feed = feed.NewWorker(cfg.Feed.WSURL, cfg.Feed.Symbols, b.Marks.OnQuote)
	}

	market := infra.NewMarketDataClient(cfg.MarketData.BaseURL, cfg.MarketData.APIKey,
		time.Duration(cfg.MarketData.TimeoutSec)*time.Second)

	b.Notifier = notify.FromConfig(cfg, b.Limiter)
	b.KillSwitch = engine.NewKillSwitch(cfg.KillSwitch.File, store)
	b.Orchestrator = engine.NewOrchestrator(engine.Deps{
		Broker:   broker,
		Data:     market,
		Scorer:   strategy.NewSMACrossScorer(smaShort, smaLong),
		Drift:    strategy.NewZScoreDrift(),
		Notifier: b.Notifier,
		Limiter:  b.Limiter,
		Breaker:  b.Breaker,
		Sizer: risk.NewSizer(risk.SizerConfig{
			KellyFraction:  cfg.Risk.KellyFraction,
			MaxFraction:    cfg.Risk.MaxPositionCap,
			MinPositionUSD: cfg.Risk.MinPositionUSD,
		}),
		Risk: risk.NewManager(risk.Limits{
			MaxPositionFraction:  cfg.Risk.MaxPositionFraction,
			MaxPositionUSD:       cfg.Risk.MaxPositionUSD,
			MaxOpenPositions:     cfg.Risk.MaxOpenPositions,
			MaxDailyLossFraction: cfg.Risk.MaxDailyLossFraction,
		}),
		KillSwitch: b.KillSwitch,
		Audit:      store,
		Metrics:    b.Metrics,
	}, engine.SettingsFromConfig(cfg))

	pcfg := pipelineConfig(cfg)
	b.Producer = pipeline.NewProducer(store, b.Limiter, pcfg)
	b.Pool = pipeline.NewPool(store, b.Orchestrator.Handle, pcfg,
		pipeline.WithDeadLetterHook(func(string) { b.Metrics.RecordDeadLetter() }),
	)

	if cfg.API.Addr != "" {
		b.API = api.NewServer(cfg.API.Addr, cfg.API.Token, api.Deps{
			DB:         store,
			Broker:     broker,
			KillSwitch: b.KillSwitch,
			Budget:     b.Limiter,
			Metrics:    b.Metrics,
			Marks:      b.Marks,
			Audit:      store,
			History:    store,
			Stream:     pcfg.Stream,
		})
	}

	slog.Info("bootstrap complete", slog.Int("universe", len(cfg.Universe)), slog.Int("workers", pcfg.Workers))
	return nil
}

// Run processes one batch of the universe. With once set it returns when
// the batch drains; otherwise the API and quote feed keep serving until
// ctx is done.
func (b *Bootstrap) Run(ctx context.Context, once bool) error {
	g, gctx := errgroup.WithContext(ctx)
	svcCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()

	g.Go(func() error { return b.Marks.Run(svcCtx) })
	if b.Feed != nil {
		g.Go(func() error { return b.Feed.Run(svcCtx) })
	}
	if b.API != nil {
		g.Go(func() error { return b.API.Run(svcCtx) })
	}
	g.Go(func() error { return b.refreshPortfolio(svcCtx) })

	g.Go(func() error {
		err := b.runBatch(gctx)
		if once {
			stopServices()
		}
		return err
	})

	return g.Wait()
}

func (b *Bootstrap) runBatch(ctx context.Context) error {
	started := time.Now()
	poolErr := make(chan error, 1)
	go func() { poolErr <- b.Pool.Run(ctx) }()

	res, err := b.Producer.Produce(ctx, b.Config.Universe)
	if err != nil {
		slog.Error("producer failed", slog.Any("error", err))
	}
	slog.Info("batch enqueued",
		slog.Int("enqueued", res.Enqueued),
		slog.Int("out_of_shard", res.OutOfShard),
		slog.Int("invalid", res.Invalid),
		slog.Bool("budget_stopped", res.BudgetStopped),
	)

	if err := <-poolErr; err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	stats := b.Pool.Stats()
	slog.Info("batch complete",
		slog.Int64("processed", stats.Processed),
		slog.Int64("dead_lettered", stats.DeadLettered),
		slog.Int64("redelivered", stats.Redelivered),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// refreshPortfolio keeps the portfolio gauge current.
func (b *Bootstrap) refreshPortfolio(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		acct, err := b.Broker.GetAccountSummary(ctx)
		if err == nil {
			b.Metrics.SetPortfolioValue(acct.PortfolioValue.InexactFloat64())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown flushes pending alerts, disconnects the broker and closes storage.
func (b *Bootstrap) Shutdown() {
	if b.Notifier != nil {
		b.Notifier.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if b.Broker != nil {
		if err := b.Broker.Disconnect(ctx); err != nil {
			slog.Warn("broker disconnect failed", slog.Any("error", err))
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("storage close failed", slog.Any("error", err))
		}
	}
	slog.Info("shutdown complete")
}

func limiterConfig(cfg *infra.Config) ratelimit.Config {
	tiers := make(map[string]ratelimit.TierConfig, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = ratelimit.TierConfig{Tier: ratelimit.Tier(t.Tier), FreeLimit: t.FreeLimit}
	}
	return ratelimit.Config{
		DailyCap:      cfg.Budget.DailyCap,
		WarnRatio:     cfg.Budget.WarnRatio,
		CriticalRatio: cfg.Budget.CriticalRatio,
		Adaptive:      cfg.Circuit.Adaptive,
		ScopeByKey:    cfg.Pipeline.ScopeRateByKey,
		Tiers:         tiers,
	}
}

func pipelineConfig(cfg *infra.Config) pipeline.Config {
	p := cfg.Pipeline
	return pipeline.Config{
		Stream:            p.Stream,
		Group:             p.Group,
		Workers:           p.Workers,
		MaxLen:            p.MaxLen,
		BlockInterval:     time.Duration(p.BlockMS) * time.Millisecond,
		ItemTimeout:       time.Duration(p.ItemTimeoutSec) * time.Second,
		VisibilityTimeout: time.Duration(p.VisibilityTimeoutSec) * time.Second,
		MaxDeliveries:     p.MaxDeliveries,
		ShardIndex:        p.ShardIndex,
		ShardCount:        p.ShardCount,
	}
}
