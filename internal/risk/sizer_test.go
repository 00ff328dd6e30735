package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

func account(cash, portfolio int64) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Cash:           decimal.NewFromInt(cash),
		PortfolioValue: decimal.NewFromInt(portfolio),
	}
}

func TestSizer_Size(t *testing.T) {
	tests := []struct {
		name   string
		cfg    SizerConfig
		p, b   float64
		acct   domain.AccountSnapshot
		expect int64
	}{
		{"full kelly", SizerConfig{KellyFraction: 1, MaxFraction: 0.4, MinPositionUSD: 100}, 0.6, 2, account(100000, 100000), 40000},
		{"quarter kelly", SizerConfig{KellyFraction: 0.25, MaxFraction: 0.25, MinPositionUSD: 100}, 0.6, 2, account(100000, 100000), 10000},
		{"clamped at cap", SizerConfig{KellyFraction: 1, MaxFraction: 0.25, MinPositionUSD: 100}, 0.95, 10, account(100000, 100000), 25000},
		{"capped at cash", SizerConfig{KellyFraction: 1, MaxFraction: 0.25, MinPositionUSD: 100}, 0.6, 2, account(10000, 100000), 10000},
		{"below minimum", SizerConfig{KellyFraction: 0.25, MaxFraction: 0.25, MinPositionUSD: 100}, 0.51, 1.1, account(1000, 1000), 0},
		{"negative edge", SizerConfig{KellyFraction: 1, MaxFraction: 0.25}, 0.3, 1, account(100000, 100000), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewSizer(tt.cfg).Size(tt.p, tt.b, tt.acct)
			if !got.Equal(decimal.NewFromInt(tt.expect)) {
				t.Errorf("Expected %d, got %s", tt.expect, got)
			}
		})
	}
}

func TestKelly_Degenerate(t *testing.T) {
	s := NewSizer(SizerConfig{KellyFraction: 1, MaxFraction: 0.25})
	acct := account(100000, 100000)
	cases := []struct{ p, b float64 }{
		{0, 2}, {1, 2}, {1.5, 2}, {-0.1, 2}, {0.6, 0}, {0.6, -1},
	}
	for _, c := range cases {
		if k := Kelly(c.p, c.b); k != 0 {
			t.Errorf("Kelly(%v, %v) = %v, want 0", c.p, c.b, k)
		}
		if got := s.Size(c.p, c.b, acct); !got.IsZero() {
			t.Errorf("Size(%v, %v) = %s, want 0", c.p, c.b, got)
		}
	}
}

func TestFraction_ClampedBothSigns(t *testing.T) {
	s := NewSizer(SizerConfig{KellyFraction: 1, MaxFraction: 0.25})
	if f := s.Fraction(0.95, 10); f != 0.25 {
		t.Errorf("Expected 0.25, got %v", f)
	}
	if f := s.Fraction(0.05, 0.5); f != -0.25 {
		t.Errorf("Expected -0.25, got %v", f)
	}
}

func TestQuantity(t *testing.T) {
	q := Quantity(decimal.NewFromInt(10000), decimal.NewFromInt(150))
	if !q.Equal(decimal.NewFromInt(66)) {
		t.Errorf("Expected 66 units, got %s", q)
	}
	if !Quantity(decimal.NewFromInt(100), decimal.Zero).IsZero() {
		t.Error("Expected zero quantity for zero price")
	}
}
