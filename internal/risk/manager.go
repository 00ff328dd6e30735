package risk

import (
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// Rule names reported in a denied Decision.
const (
	RuleNone             = ""
	RuleKillSwitch       = "kill_switch"
	RuleInvalidOrder     = "invalid_order"
	RuleMaxPosition      = "max_position_fraction"
	RuleMaxPositionUSD   = "max_position_usd"
	RuleMaxOpenPositions = "max_open_positions"
	RuleMaxDailyLoss     = "max_daily_loss_fraction"
)

// Limits are the account-level risk limits. Zero disables a limit.
type Limits struct {
	MaxPositionFraction  float64
	MaxPositionUSD       float64
	MaxOpenPositions     int
	MaxDailyLossFraction float64
}

// OrderIntent is a proposed order before it reaches a broker.
type OrderIntent struct {
	InstrumentID string
	Side         string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
}

// Notional is quantity times price.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// Decision is the outcome of Validate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason"`
}

func deny(rule, format string, args ...any) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Manager validates intents. Safe for concurrent use.
type Manager struct {
	limits Limits
	killed atomic.Bool
}

// NewManager creates a Manager.
func NewManager(limits Limits) *Manager {
	return &Manager{limits: limits}
}

// SetKillSwitch blocks every intent while on.
func (m *Manager) SetKillSwitch(on bool) {
	m.killed.Store(on)
}

// Validate checks intent against the limits. Exposure limits apply to
// buys only; sells reduce exposure and pass once the order is well formed.
func (m *Manager) Validate(intent OrderIntent, acct domain.AccountSnapshot) Decision {
	if m.killed.Load() {
		return deny(RuleKillSwitch, "kill switch active")
	}
	if !intent.Quantity.IsPositive() || !intent.Price.IsPositive() {
		return deny(RuleInvalidOrder, "quantity and price must be positive")
	}
	if intent.Side != domain.SideBuy {
		return Decision{Allowed: true, Reason: "OK"}
	}

	value := intent.Notional()
	if m.limits.MaxPositionFraction > 0 {
		limit := acct.PortfolioValue.Mul(decimal.NewFromFloat(m.limits.MaxPositionFraction))
		if value.GreaterThan(limit) {
			pct := decimal.Zero
			if acct.PortfolioValue.IsPositive() {
				pct = value.Div(acct.PortfolioValue).Mul(decimal.NewFromInt(100))
			}
			return deny(RuleMaxPosition, "position size %s%% exceeds limit %.1f%%",
				pct.StringFixed(1), m.limits.MaxPositionFraction*100)
		}
	}
	if m.limits.MaxPositionUSD > 0 && value.GreaterThan(decimal.NewFromFloat(m.limits.MaxPositionUSD)) {
		return deny(RuleMaxPositionUSD, "position value %s exceeds %.2f", value.StringFixed(2), m.limits.MaxPositionUSD)
	}
	if m.limits.MaxOpenPositions > 0 && acct.OpenPositions >= m.limits.MaxOpenPositions {
		return deny(RuleMaxOpenPositions, "%d open positions, limit %d", acct.OpenPositions, m.limits.MaxOpenPositions)
	}
	if m.limits.MaxDailyLossFraction > 0 && acct.RealizedPnLToday.IsNegative() {
		loss := acct.RealizedPnLToday.Neg()
		limit := acct.PortfolioValue.Mul(decimal.NewFromFloat(m.limits.MaxDailyLossFraction))
		if loss.GreaterThan(limit) {
			return deny(RuleMaxDailyLoss, "daily loss %s exceeds limit %s", loss.StringFixed(2), limit.StringFixed(2))
		}
	}
	return Decision{Allowed: true, Reason: "OK"}
}
