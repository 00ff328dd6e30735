// Package risk sizes positions with the Kelly criterion and validates
// order intents against account limits. Sizing and validation are
// separate gates; neither trusts the other.
package risk

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// SizerConfig tunes the Kelly sizer.
type SizerConfig struct {
	KellyFraction  float64 // Multiplier on the raw Kelly fraction.
	MaxFraction    float64 // Clamp on the applied fraction, both signs.
	MinPositionUSD float64 // Sizes below this are suppressed.
}

// Sizer is stateless and safe for concurrent use.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a Sizer. A zero MaxFraction falls back to 0.25.
func NewSizer(cfg SizerConfig) *Sizer {
	if cfg.MaxFraction <= 0 {
		cfg.MaxFraction = 0.25
	}
	if cfg.KellyFraction > 0.5 {
		slog.Warn("kelly fraction above half Kelly", slog.Float64("kelly_fraction", cfg.KellyFraction))
	}
	return &Sizer{cfg: cfg}
}

// Kelly returns the raw Kelly fraction f* = p - (1-p)/b. Degenerate
// inputs (p outside (0,1) or b <= 0) return 0.
func Kelly(winProbability, winLossRatio float64) float64 {
	if winProbability <= 0 || winProbability >= 1 || winLossRatio <= 0 {
		return 0
	}
	return winProbability - (1-winProbability)/winLossRatio
}

// Fraction applies the configured Kelly multiplier and clamps the result
// to [-MaxFraction, MaxFraction]. A negative value means the edge is
// against the model's direction.
func (s *Sizer) Fraction(winProbability, winLossRatio float64) float64 {
	f := Kelly(winProbability, winLossRatio) * s.cfg.KellyFraction
	return min(max(f, -s.cfg.MaxFraction), s.cfg.MaxFraction)
}

// Size returns the USD position size for the account, rounded to cents.
// Non-positive fractions and sizes below the minimum return zero; the
// result never exceeds available cash.
func (s *Sizer) Size(winProbability, winLossRatio float64, acct domain.AccountSnapshot) decimal.Decimal {
	f := s.Fraction(winProbability, winLossRatio)
	if f <= 0 {
		return decimal.Zero
	}
	size := acct.PortfolioValue.Mul(decimal.NewFromFloat(f))
	if size.GreaterThan(acct.Cash) {
		size = acct.Cash
	}
	if size.LessThan(decimal.NewFromFloat(s.cfg.MinPositionUSD)) || !size.IsPositive() {
		return decimal.Zero
	}
	return size.Round(2)
}

// Quantity converts a USD size into whole units at price.
func Quantity(size, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !size.IsPositive() {
		return decimal.Zero
	}
	return size.Div(price).Floor()
}
