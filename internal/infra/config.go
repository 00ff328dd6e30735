package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent by the HTTP clients.
	DefaultUserAgent = "FinDashPro/3 (+https://github.com/Forzadelricondizionato/FinDashPro3)"
)

// Execution modes.
const (
	ModeAlertOnly = "alert_only"
	ModePaper     = "paper"
	ModeAlpaca    = "alpaca"
	ModeIBKR      = "ibkr"
)

// TierConfig sets the service tier of one provider.
type TierConfig struct {
	Tier      string `yaml:"tier"` // free, premium, disabled
	FreeLimit int    `yaml:"free_limit"`
}

// Config holds every setting of the service.
// LoadConfig fills defaults, reads the YAML file, then applies FDP_* env overrides.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Execution struct {
		Mode              string  `yaml:"mode"`
		PaperCapital      float64 `yaml:"paper_capital"`
		MinConfidence     float64 `yaml:"min_confidence"`
		FillDelayMS       int     `yaml:"fill_delay_ms"`
		OrderType         string  `yaml:"order_type"`
		DecisionWindowSec int     `yaml:"decision_window_sec"`
		Alpaca            struct {
			BaseURL string `yaml:"base_url"`
			Key     string `yaml:"key"`
			Secret  string `yaml:"secret"`
		} `yaml:"alpaca"`
	} `yaml:"execution"`

	Budget struct {
		DailyCap      float64            `yaml:"daily_cap"`
		WarnRatio     float64            `yaml:"warn_ratio"`
		CriticalRatio float64            `yaml:"critical_ratio"`
		Costs         map[string]float64 `yaml:"costs"` // Cost per call by provider.
	} `yaml:"budget"`

	// RateLimits are calls per minute by provider name.
	RateLimits map[string]float64    `yaml:"rate_limits"`
	Tiers      map[string]TierConfig `yaml:"tiers"`

	Providers struct {
		Price        string `yaml:"price"`
		Fundamentals string `yaml:"fundamentals"`
		Sentiment    string `yaml:"sentiment"`
	} `yaml:"providers"`

	MarketData struct {
		BaseURL      string `yaml:"base_url"`
		APIKey       string `yaml:"api_key"`
		LookbackDays int    `yaml:"lookback_days"`
		MinBars      int    `yaml:"min_bars"`
		TimeoutSec   int    `yaml:"timeout_sec"`
	} `yaml:"market_data"`

	Circuit struct {
		Threshold          int  `yaml:"threshold"`
		RecoveryTimeoutSec int  `yaml:"recovery_timeout_sec"`
		Adaptive           bool `yaml:"adaptive"`
	} `yaml:"circuit"`

	Pipeline struct {
		Stream               string `yaml:"stream"`
		Group                string `yaml:"group"`
		Workers              int    `yaml:"workers"`
		MaxLen               int    `yaml:"max_len"`
		BlockMS              int    `yaml:"block_ms"`
		ItemTimeoutSec       int    `yaml:"item_timeout_sec"`
		VisibilityTimeoutSec int    `yaml:"visibility_timeout_sec"`
		MaxDeliveries        int    `yaml:"max_deliveries"`
		MaxRetries           int    `yaml:"max_retries"`
		ShardIndex           int    `yaml:"shard_index"`
		ShardCount           int    `yaml:"shard_count"`
		ScopeRateByKey       bool   `yaml:"scope_rate_by_key"`
	} `yaml:"pipeline"`

	Risk struct {
		KellyFraction        float64 `yaml:"kelly_fraction"`
		MaxPositionCap       float64 `yaml:"max_position_cap"`
		MinPositionUSD       float64 `yaml:"min_position_usd"`
		WinLossRatio         float64 `yaml:"win_loss_ratio"`
		MaxPositionFraction  float64 `yaml:"max_position_fraction"`
		MaxDailyLossFraction float64 `yaml:"max_daily_loss_fraction"`
		MaxOpenPositions     int     `yaml:"max_open_positions"`
		MaxPositionUSD       float64 `yaml:"max_position_usd"`
	} `yaml:"risk"`

	KillSwitch struct {
		File string `yaml:"file"`
	} `yaml:"kill_switch"`

	API struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"api"`

	Notify struct {
		DiscordWebhook string  `yaml:"discord_webhook"`
		TelegramToken  string  `yaml:"telegram_token"`
		TelegramChatID string  `yaml:"telegram_chat_id"`
		RatePerMin     float64 `yaml:"rate_per_min"`
	} `yaml:"notify"`

	Feed struct {
		WSURL   string   `yaml:"ws_url"`
		Symbols []string `yaml:"symbols"`
	} `yaml:"feed"`

	Universe []domain.Instrument `yaml:"universe"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	var c Config
	c.App.Name = "findashpro"
	c.App.Version = "3.2.0"
	c.Logging.Level = "info"
	c.Logging.Dir = "logs"
	c.Storage.Path = "data/findash.db"

	c.Execution.Mode = ModeAlertOnly
	c.Execution.PaperCapital = 100000
	c.Execution.MinConfidence = 0.75
	c.Execution.FillDelayMS = 50
	c.Execution.OrderType = domain.OrderTypeLimit
	c.Execution.DecisionWindowSec = 3600
	c.Execution.Alpaca.BaseURL = "https://paper-api.alpaca.markets"

	c.Budget.DailyCap = 5.0
	c.Budget.WarnRatio = 0.90
	c.Budget.CriticalRatio = 0.95
	c.Budget.Costs = map[string]float64{
		"yahoo": 0, "alpha": 0.002, "tiingo": 0.001, "polygon": 0.004,
		"fmp": 0.001, "finnhub": 0.001, "notify": 0.001,
	}

	c.RateLimits = map[string]float64{
		"processing": 600, "yahoo": 2000, "alpha": 500, "tiingo": 500,
		"polygon": 5, "fmp": 300, "finnhub": 60, "notify": 30,
	}
	c.Tiers = map[string]TierConfig{}

	c.Providers.Price = "yahoo"
	c.Providers.Fundamentals = "fmp"
	c.Providers.Sentiment = "finnhub"

	c.MarketData.LookbackDays = 365
	c.MarketData.MinBars = 30
	c.MarketData.TimeoutSec = 10

	c.Circuit.Threshold = 3
	c.Circuit.RecoveryTimeoutSec = 300

	c.Pipeline.Stream = "signals:stream"
	c.Pipeline.Group = "fdp_group"
	c.Pipeline.Workers = 20
	c.Pipeline.MaxLen = 10000
	c.Pipeline.BlockMS = 1000
	c.Pipeline.ItemTimeoutSec = 120
	c.Pipeline.VisibilityTimeoutSec = 300
	c.Pipeline.MaxDeliveries = 3
	c.Pipeline.MaxRetries = 2
	c.Pipeline.ShardCount = 1

	c.Risk.KellyFraction = 0.25
	c.Risk.MaxPositionCap = 0.25
	c.Risk.MinPositionUSD = 100
	c.Risk.WinLossRatio = 1.5
	c.Risk.MaxPositionFraction = 0.02
	c.Risk.MaxDailyLossFraction = 0.02
	c.Risk.MaxOpenPositions = 10

	c.KillSwitch.File = "./data/STOP.txt"
	c.API.Addr = ":8000"
	c.Notify.RatePerMin = 20
	return &c
}

// LoadConfig reads the YAML file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Secrets and deployment knobs come from the environment.
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Execution.Mode {
	case ModeAlertOnly, ModePaper:
	case ModeAlpaca:
		if c.Execution.Alpaca.Key == "" || c.Execution.Alpaca.Secret == "" {
			return &domain.ConfigError{Field: "execution.alpaca", Err: errors.New("key and secret are required")}
		}
		if !hasPrefix(c.Execution.Alpaca.BaseURL, "http://") && !hasPrefix(c.Execution.Alpaca.BaseURL, "https://") {
			return &domain.ConfigError{Field: "execution.alpaca.base_url", Err: fmt.Errorf("invalid url %q", c.Execution.Alpaca.BaseURL)}
		}
	case ModeIBKR:
		return &domain.ConfigError{Field: "execution.mode", Err: errors.New("ibkr is not supported")}
	default:
		return &domain.ConfigError{Field: "execution.mode", Err: fmt.Errorf("unknown mode %q", c.Execution.Mode)}
	}
	if c.Execution.MinConfidence < 0 || c.Execution.MinConfidence > 1 {
		return &domain.ConfigError{Field: "execution.min_confidence", Err: errors.New("must be within [0,1]")}
	}
	if c.Execution.PaperCapital <= 0 {
		return &domain.ConfigError{Field: "execution.paper_capital", Err: errors.New("must be positive")}
	}
	if c.Execution.OrderType != domain.OrderTypeLimit && c.Execution.OrderType != domain.OrderTypeMarket {
		return &domain.ConfigError{Field: "execution.order_type", Err: fmt.Errorf("unknown order type %q", c.Execution.OrderType)}
	}
	if c.Execution.DecisionWindowSec <= 0 {
		return &domain.ConfigError{Field: "execution.decision_window_sec", Err: errors.New("must be positive")}
	}
	if c.Budget.DailyCap <= 0 {
		return &domain.ConfigError{Field: "budget.daily_cap", Err: errors.New("must be positive")}
	}
	for name, rate := range c.RateLimits {
		if rate <= 0 {
			return &domain.ConfigError{Field: "rate_limits." + name, Err: errors.New("must be positive")}
		}
	}
	for _, p := range []string{"processing", c.Providers.Price, c.Providers.Fundamentals, c.Providers.Sentiment} {
		if _, ok := c.RateLimits[p]; !ok {
			return &domain.ConfigError{Field: "rate_limits." + p, Err: errors.New("missing rate limit")}
		}
	}
	for name, tier := range c.Tiers {
		switch tier.Tier {
		case "free", "premium", "disabled":
		default:
			return &domain.ConfigError{Field: "tiers." + name, Err: fmt.Errorf("unknown tier %q", tier.Tier)}
		}
	}
	if c.MarketData.BaseURL != "" && !hasPrefix(c.MarketData.BaseURL, "http://") && !hasPrefix(c.MarketData.BaseURL, "https://") {
		return &domain.ConfigError{Field: "market_data.base_url", Err: fmt.Errorf("invalid url %q", c.MarketData.BaseURL)}
	}
	if c.Circuit.Threshold <= 0 || c.Circuit.RecoveryTimeoutSec <= 0 {
		return &domain.ConfigError{Field: "circuit", Err: errors.New("threshold and recovery timeout must be positive")}
	}
	if c.Pipeline.Workers <= 0 {
		return &domain.ConfigError{Field: "pipeline.workers", Err: errors.New("must be positive")}
	}
	if c.Pipeline.ItemTimeoutSec <= 0 || c.Pipeline.VisibilityTimeoutSec <= 0 || c.Pipeline.MaxDeliveries <= 0 {
		return &domain.ConfigError{Field: "pipeline", Err: errors.New("timeouts and max deliveries must be positive")}
	}
	if c.Pipeline.ShardCount < 1 || c.Pipeline.ShardIndex < 0 || c.Pipeline.ShardIndex >= c.Pipeline.ShardCount {
		return &domain.ConfigError{Field: "pipeline.shard_index", Err: fmt.Errorf("shard %d of %d", c.Pipeline.ShardIndex, c.Pipeline.ShardCount)}
	}
	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		return &domain.ConfigError{Field: "risk.kelly_fraction", Err: errors.New("must be within (0,1]")}
	}
	if c.Risk.MaxPositionCap <= 0 || c.Risk.MaxPositionCap > 1 {
		return &domain.ConfigError{Field: "risk.max_position_cap", Err: errors.New("must be within (0,1]")}
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxOpenPositions <= 0 {
		return &domain.ConfigError{Field: "risk", Err: errors.New("position limits must be positive")}
	}
	if c.API.Addr != "" && c.API.Token == "" {
		return &domain.ConfigError{Field: "api.token", Err: errors.New("required to protect the kill switch endpoint")}
	}
	if c.Feed.WSURL != "" && !hasPrefix(c.Feed.WSURL, "ws://") && !hasPrefix(c.Feed.WSURL, "wss://") {
		return &domain.ConfigError{Field: "feed.ws_url", Err: fmt.Errorf("invalid url %q", c.Feed.WSURL)}
	}
	for _, inst := range c.Universe {
		if err := domain.ValidateInstrument(inst.Symbol); err != nil {
			return &domain.ConfigError{Field: "universe", Err: err}
		}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	cfg.Execution.Mode = getenv("FDP_EXECUTION_MODE", cfg.Execution.Mode)
	cfg.Execution.MinConfidence = parseFloatEnv("FDP_MIN_CONFIDENCE", cfg.Execution.MinConfidence)
	cfg.Execution.PaperCapital = parseFloatEnv("PAPER_TRADING_CAPITAL", cfg.Execution.PaperCapital)
	cfg.Execution.Alpaca.Key = getenv("ALPACA_KEY", cfg.Execution.Alpaca.Key)
	cfg.Execution.Alpaca.Secret = getenv("ALPACA_SECRET", cfg.Execution.Alpaca.Secret)
	cfg.Budget.DailyCap = parseFloatEnv("FDP_DAILY_API_BUDGET", cfg.Budget.DailyCap)
	cfg.Risk.KellyFraction = parseFloatEnv("FDP_KELLY_FRACTION", cfg.Risk.KellyFraction)
	cfg.KillSwitch.File = getenv("FDP_KILL_SWITCH_FILE", cfg.KillSwitch.File)
	cfg.Pipeline.Workers = parseIntEnv("FDP_MAX_CONCURRENT_WORKERS", cfg.Pipeline.Workers)
	cfg.Pipeline.ShardIndex = parseIntEnv("FDP_SHARD_INDEX", cfg.Pipeline.ShardIndex)
	cfg.Pipeline.ShardCount = parseIntEnv("FDP_SHARD_COUNT", cfg.Pipeline.ShardCount)
	cfg.MarketData.APIKey = getenv("FDP_MARKET_DATA_KEY", cfg.MarketData.APIKey)
	cfg.API.Token = getenv("FDP_API_TOKEN", cfg.API.Token)
	cfg.Notify.DiscordWebhook = getenv("DISCORD_WEBHOOK", cfg.Notify.DiscordWebhook)
	cfg.Notify.TelegramToken = getenv("TELEGRAM_TOKEN", cfg.Notify.TelegramToken)
	cfg.Notify.TelegramChatID = getenv("TELEGRAM_CHAT_ID", cfg.Notify.TelegramChatID)
	cfg.Logging.Level = getenv("FDP_LOG_LEVEL", cfg.Logging.Level)

	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]float64{}
	}
	for _, provider := range []string{"yahoo", "alpha", "tiingo", "polygon", "fmp", "finnhub"} {
		key := "FDP_RL_" + strings.ToUpper(provider)
		if v, ok := cfg.RateLimits[provider]; ok {
			cfg.RateLimits[provider] = parseFloatEnv(key, v)
		} else if os.Getenv(key) != "" {
			cfg.RateLimits[provider] = parseFloatEnv(key, 0)
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
