package infra

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit state gauge values.
const (
	circuitClosed   = 0
	circuitHalfOpen = 1
	circuitOpen     = 2
)

// Metrics exports Prometheus series and keeps atomic mirrors of the
// counters for the health endpoint.
type Metrics struct {
	registry *prometheus.Registry

	processed      prometheus.Counter
	failed         *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	signals        *prometheus.CounterVec
	deadLetters    prometheus.Counter
	apiCosts       prometheus.Gauge
	circuitState   *prometheus.GaugeVec
	portfolioValue prometheus.Gauge
	orderDuration  prometheus.Histogram
	rateWait       *prometheus.CounterVec

	// Mirrors
	processedN   atomic.Uint64
	failedN      atomic.Uint64
	skippedN     atomic.Uint64
	signalsN     atomic.Uint64
	deadLettersN atomic.Uint64
	apiCostsBits atomic.Uint64
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	mu       sync.Mutex
	circuits map[string]string
}

// NewMetrics registers all series on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		circuits: make(map[string]string),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_processed_tickers_total",
			Help: "Instruments that completed the processing pipeline",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fdp_failed_tickers_total",
			Help: "Instruments that ended in a failed state",
		}, []string{"reason"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fdp_skipped_tickers_total",
			Help: "Instruments skipped or killed before execution",
		}, []string{"reason"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fdp_signals_total",
			Help: "Signals that cleared the confidence threshold",
		}, []string{"direction"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_dead_letters_total",
			Help: "Messages routed to the dead-letter log",
		}),
		apiCosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdp_api_costs_daily",
			Help: "API spend for the current UTC day",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fdp_circuit_breaker_state",
			Help: "Circuit state by provider (0 closed, 1 half open, 2 open)",
		}, []string{"provider"}),
		portfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdp_portfolio_value",
			Help: "Broker portfolio value at the last decision",
		}),
		orderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fdp_order_execution_duration_seconds",
			Help:    "Broker PlaceOrder latency",
			Buckets: prometheus.DefBuckets,
		}),
		rateWait: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fdp_rate_limit_wait_seconds_total",
			Help: "Time workers spent suspended by the rate limiter",
		}, []string{"provider"}),
	}

	m.registry.MustRegister(
		m.processed, m.failed, m.skipped, m.signals, m.deadLetters, m.apiCosts,
		m.circuitState, m.portfolioValue, m.orderDuration, m.rateWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordProcessed() {
	m.processed.Inc()
	m.processedN.Add(1)
}

func (m *Metrics) RecordFailed(reason string) {
	m.failed.WithLabelValues(reason).Inc()
	m.failedN.Add(1)
}

func (m *Metrics) RecordSkipped(reason string) {
	m.skipped.WithLabelValues(reason).Inc()
	m.skippedN.Add(1)
}

func (m *Metrics) RecordSignal(direction string) {
	m.signals.WithLabelValues(direction).Inc()
	m.signalsN.Add(1)
}

func (m *Metrics) RecordDeadLetter() {
	m.deadLetters.Inc()
	m.deadLettersN.Add(1)
}

// SetAPICosts publishes the current daily spend.
func (m *Metrics) SetAPICosts(spent float64) {
	m.apiCosts.Set(spent)
	m.apiCostsBits.Store(math.Float64bits(spent))
}

// SetCircuitState records a provider's breaker state ("closed", "half_open", "open").
func (m *Metrics) SetCircuitState(provider, state string) {
	v := circuitClosed
	switch state {
	case "half_open":
		v = circuitHalfOpen
	case "open":
		v = circuitOpen
	}
	m.circuitState.WithLabelValues(provider).Set(float64(v))

	m.mu.Lock()
	m.circuits[provider] = state
	m.mu.Unlock()
}

func (m *Metrics) SetPortfolioValue(v float64) {
	m.portfolioValue.Set(v)
}

// ObserveOrder records one PlaceOrder latency.
func (m *Metrics) ObserveOrder(d time.Duration) {
	m.orderDuration.Observe(d.Seconds())
	m.latencySumNs.Add(d.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordRateWait adds time spent waiting on a provider bucket.
func (m *Metrics) RecordRateWait(provider string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.rateWait.WithLabelValues(provider).Add(d.Seconds())
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Processed       uint64            `json:"processed"`
	Failed          uint64            `json:"failed"`
	Skipped         uint64            `json:"skipped"`
	Signals         uint64            `json:"signals"`
	DeadLetters     uint64            `json:"dead_letters"`
	APICosts        float64           `json:"api_costs"`
	AvgOrderLatency time.Duration     `json:"avg_order_latency_ns"`
	Circuits        map[string]string `json:"circuits"`
	OpenCircuits    []string          `json:"open_circuits"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	if count := m.latencyCount.Load(); count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	m.mu.Lock()
	circuits := make(map[string]string, len(m.circuits))
	var open []string
	for p, s := range m.circuits {
		circuits[p] = s
		if s == "open" {
			open = append(open, p)
		}
	}
	m.mu.Unlock()
	sort.Strings(open)

	return MetricsSnapshot{
		Processed:       m.processedN.Load(),
		Failed:          m.failedN.Load(),
		Skipped:         m.skippedN.Load(),
		Signals:         m.signalsN.Load(),
		DeadLetters:     m.deadLettersN.Load(),
		APICosts:        math.Float64frombits(m.apiCostsBits.Load()),
		AvgOrderLatency: time.Duration(avgLatency),
		Circuits:        circuits,
		OpenCircuits:    open,
		Timestamp:       time.Now(),
	}
}
