package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// Cache lifetimes by data type.
const (
	barsTTL         = 24 * time.Hour
	fundamentalsTTL = 7 * 24 * time.Hour
	sentimentTTL    = time.Hour
)

type barsResponse struct {
	Bars []struct {
		Time   time.Time `json:"t"`
		Open   float64   `json:"o"`
		High   float64   `json:"h"`
		Low    float64   `json:"l"`
		Close  float64   `json:"c"`
		Volume float64   `json:"v"`
	} `json:"bars"`
}

type fundamentalsResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

type sentimentResponse struct {
	Score float64 `json:"score"`
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// MarketDataClient fetches bars, fundamentals and sentiment from a JSON
// REST gateway. A 404 is "no data" rather than an error; transport errors
// and 5xx are retried three times with 1s, 2s, 4s backoff before surfacing
// as ConnectivityError.
type MarketDataClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewMarketDataClient creates a client for the gateway at baseURL.
func NewMarketDataClient(baseURL, apiKey string, timeout time.Duration) *MarketDataClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MarketDataClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		sleep:      Sleep,
		cache:      make(map[string]cacheEntry),
	}
}

// FetchPriceHistory returns daily bars covering lookback, oldest first.
func (c *MarketDataClient) FetchPriceHistory(ctx context.Context, instrument string, lookback time.Duration) ([]domain.Bar, error) {
	key := "ohlcv:" + instrument
	if v, ok := c.cached(key); ok {
		return v.([]domain.Bar), nil
	}

	from := c.now().Add(-lookback).UTC().Format("2006-01-02")
	var resp barsResponse
	found, err := c.getJSON(ctx, "/v1/prices/"+url.PathEscape(instrument)+"?from="+from, &resp)
	if err != nil || !found {
		return nil, err
	}

	bars := make([]domain.Bar, len(resp.Bars))
	for i, b := range resp.Bars {
		bars[i] = domain.Bar{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	if len(bars) > 0 {
		c.store(key, bars, barsTTL)
	}
	return bars, nil
}

// FetchFundamentals returns the metric map, empty when unknown.
func (c *MarketDataClient) FetchFundamentals(ctx context.Context, instrument string) (map[string]float64, error) {
	key := "fundamentals:" + instrument
	if v, ok := c.cached(key); ok {
		return v.(map[string]float64), nil
	}

	var resp fundamentalsResponse
	found, err := c.getJSON(ctx, "/v1/fundamentals/"+url.PathEscape(instrument), &resp)
	if err != nil {
		return nil, err
	}
	if !found || resp.Metrics == nil {
		return map[string]float64{}, nil
	}
	c.store(key, resp.Metrics, fundamentalsTTL)
	return resp.Metrics, nil
}

// FetchSentiment returns a score in [-1, 1]; 0 when unknown.
func (c *MarketDataClient) FetchSentiment(ctx context.Context, instrument string) (float64, error) {
	key := "sentiment:" + instrument
	if v, ok := c.cached(key); ok {
		return v.(float64), nil
	}

	var resp sentimentResponse
	found, err := c.getJSON(ctx, "/v1/sentiment/"+url.PathEscape(instrument), &resp)
	if err != nil || !found {
		return 0, err
	}
	score := min(max(resp.Score, -1), 1)
	c.store(key, score, sentimentTTL)
	return score, nil
}

// Invalidate drops every cached entry of instrument.
func (c *MarketDataClient) Invalidate(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, prefix := range []string{"ohlcv:", "fundamentals:", "sentiment:"} {
		delete(c.cache, prefix+instrument)
	}
}

func (c *MarketDataClient) cached(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[key]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *MarketDataClient) store(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	c.cache[key] = cacheEntry{value: v, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// getJSON reports found=false on 404.
func (c *MarketDataClient) getJSON(ctx context.Context, path string, out any) (bool, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			delay := time.Duration(1<<uint(i-1)) * time.Second
			slog.Info("Retrying market data fetch", slog.String("path", path), slog.Int("attempt", i), slog.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return false, err
			}
		}

		found, err := c.doGet(ctx, path, out)
		if err == nil {
			return found, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			return false, err
		}
		slog.Warn("Market data fetch attempt failed", slog.String("path", path), slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return false, lastErr
}

func (c *MarketDataClient) doGet(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, domain.NewConnectivityError("market_data "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, domain.NewConnectivityError("market_data "+path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return false, domain.NewConnectivityError("market_data "+path, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return false, domain.NewValidationError("market_data", fmt.Sprintf("%s returned %d", path, resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}
