package domain

import "github.com/shopspring/decimal"

// AccountSnapshot is the read-only account view used by sizing and risk.
// It is refreshed per decision cycle and never mutated by the core.
type AccountSnapshot struct {
	Cash               decimal.Decimal `json:"cash"`
	PortfolioValue     decimal.Decimal `json:"portfolio_value"`
	InitialCapital     decimal.Decimal `json:"initial_capital"`
	VolatilityEstimate float64         `json:"volatility_estimate"`
	OpenPositions      int             `json:"open_positions"`
	RealizedPnLToday   decimal.Decimal `json:"realized_pnl_today"` // Negative on losses.
}

// Position is a held instrument.
type Position struct {
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"` // Average entry.
	MarkPrice    decimal.Decimal `json:"mark_price"`
}

// MarketValue returns quantity times mark, falling back to entry price.
func (p Position) MarketValue() decimal.Decimal {
	mark := p.MarkPrice
	if mark.IsZero() {
		mark = p.EntryPrice
	}
	return p.Quantity.Mul(mark)
}

// UnrealizedPnL returns (mark - entry) * quantity.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	return p.MarkPrice.Sub(p.EntryPrice).Mul(p.Quantity)
}
