package strategy_test

import (
	"math"
	"testing"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/strategy"
)

func barsFrom(prices ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(prices))
	for i, p := range prices {
		bars[i] = domain.Bar{Open: p, High: p, Low: p, Close: p}
	}
	return bars
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSMACrossScorer(t *testing.T) {
	// Short=3, Long=5.
	//   [100 x5, 200]: short=133.3, long=120, prev 100/100 -> golden cross.
	//   spread 0.111 -> 0.5 + 0.3 (capped) + 0.15 cross = 0.95.
	tests := []struct {
		name      string
		prices    []float64
		sentiment float64
		wantDir   string
		wantConf  float64
	}{
		{"golden cross", append(repeat(100, 5), 200), 0, domain.SideBuy, 0.95},
		{"golden cross, bearish sentiment", append(repeat(100, 5), 200), -1, domain.SideBuy, 0.85},
		{"golden cross, bullish sentiment clamps", append(repeat(100, 5), 200), 1, domain.SideBuy, 1},
		{"dead cross", append(repeat(100, 5), 50), 0, domain.SideSell, 0.95},
		{"trend without cross", []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110}, 0, domain.SideBuy, 0.5 + 5.0/108},
		{"flat", repeat(100, 10), 0, "", 0},
		{"too few bars", repeat(100, 5), 0, "", 0},
	}

	scorer := strategy.NewSMACrossScorer(3, 5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := scorer.Score(domain.Features{Bars: barsFrom(tt.prices...), Sentiment: tt.sentiment})
			if pred.Direction != tt.wantDir {
				t.Errorf("Expected direction %q, got %q", tt.wantDir, pred.Direction)
			}
			if math.Abs(pred.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("Expected confidence %.4f, got %.4f", tt.wantConf, pred.Confidence)
			}
		})
	}
}

func TestSMACrossScorer_FundamentalsTilt(t *testing.T) {
	scorer := strategy.NewSMACrossScorer(3, 5)
	prices := barsFrom(append(repeat(100, 5), 200)...)

	strong := scorer.Score(domain.Features{Bars: prices, Fundamentals: map[string]float64{"roe": 0.3}})
	weak := scorer.Score(domain.Features{Bars: prices, Fundamentals: map[string]float64{"debt_to_equity": 4}})

	if math.Abs(strong.Confidence-1) > 1e-9 {
		t.Errorf("Expected strong fundamentals to lift confidence to 1, got %v", strong.Confidence)
	}
	if math.Abs(weak.Confidence-0.90) > 1e-9 {
		t.Errorf("Expected weak fundamentals to cut confidence to 0.90, got %v", weak.Confidence)
	}
}

func TestQuality(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]float64
		want float64
	}{
		{"empty is neutral", nil, 0},
		{"all strong", map[string]float64{"roe": 0.15, "profit_margin": 0.2, "debt_to_equity": 0}, 1},
		{"heavy leverage", map[string]float64{"debt_to_equity": 3}, -1},
		{"unknown keys ignored", map[string]float64{"pe": 40}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strategy.Quality(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNewSMACrossScorer_PanicsOnBadPeriods(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when short >= long")
		}
	}()
	strategy.NewSMACrossScorer(5, 5)
}
