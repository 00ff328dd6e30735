package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

// syntheticPrice fills orders that carry no limit price for an instrument
// with no mark yet.
var syntheticPrice = decimal.NewFromInt(100)

// Fill is an executed paper trade.
type Fill struct {
	OrderID      string
	InstrumentID string
	Side         string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Time         time.Time
}

// PaperBroker simulates fills against an in-memory cash and position
// ledger. PlaceOrder calls are serialized.
type PaperBroker struct {
	ledger    *Ledger
	fillDelay time.Duration
	now       func() time.Time

	placeMu sync.Mutex // Serializes PlaceOrder end to end.

	mu          sync.RWMutex
	connected   bool
	initial     decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*domain.Position
	marks       map[string]decimal.Decimal
	fills       []Fill
	realized    decimal.Decimal
	realizedDay string
}

// NewPaperBroker creates a paper account funded with capital.
func NewPaperBroker(capital decimal.Decimal, fillDelay time.Duration, ledger *Ledger) *PaperBroker {
	if ledger == nil {
		ledger = NewLedger(nil)
	}
	return &PaperBroker{
		ledger:    ledger,
		fillDelay: fillDelay,
		now:       time.Now,
		initial:   capital,
		cash:      capital,
		positions: make(map[string]*domain.Position),
		marks:     make(map[string]decimal.Decimal),
	}
}

func (p *PaperBroker) Name() string { return "paper" }

func (p *PaperBroker) Connect(_ context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	slog.Info("paper broker connected", slog.String("capital", p.initial.String()))
	return nil
}

func (p *PaperBroker) Disconnect(_ context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	slog.Info("paper broker disconnected")
	return nil
}

func (p *PaperBroker) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// UpdatePrice sets the mark used for market fills and valuation.
func (p *PaperBroker) UpdatePrice(instrumentID string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[instrumentID] = price
	if pos, ok := p.positions[instrumentID]; ok {
		pos.MarkPrice = price
	}
}

// GetAccountSummary values open positions at their marks.
func (p *PaperBroker) GetAccountSummary(_ context.Context) (domain.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked()

	value := p.cash
	for _, pos := range p.positions {
		value = value.Add(pos.MarketValue())
	}
	return domain.AccountSnapshot{
		Cash:             p.cash,
		PortfolioValue:   value,
		InitialCapital:   p.initial,
		OpenPositions:    len(p.positions),
		RealizedPnLToday: p.realized,
	}, nil
}

// GetPositions returns a copy of the open positions.
func (p *PaperBroker) GetPositions(_ context.Context) (map[string]domain.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]domain.Position, len(p.positions))
	for id, pos := range p.positions {
		out[id] = *pos
	}
	return out, nil
}

// GetFills returns a copy of every executed fill.
func (p *PaperBroker) GetFills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

// PlaceOrder fills the order after the configured delay. A key already in
// the ledger returns the recorded order with Duplicate set.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := order.Validate(); err != nil {
		return order, err
	}

	p.placeMu.Lock()
	defer p.placeMu.Unlock()

	if prior, ok, err := p.ledger.Lookup(ctx, order.IdempotencyKey); err != nil {
		return order, err
	} else if ok {
		slog.Info("paper order duplicate suppressed",
			slog.String("key", order.IdempotencyKey),
			slog.String("order_id", prior.ID),
		)
		prior.Duplicate = true
		return prior, nil
	}

	if p.fillDelay > 0 {
		if err := infra.Sleep(ctx, p.fillDelay); err != nil {
			return order, err
		}
	}

	p.mu.Lock()
	price := p.fillPriceLocked(order)
	cost := order.Quantity.Mul(price)

	switch order.Side {
	case domain.SideBuy:
		if cost.GreaterThan(p.cash) {
			p.mu.Unlock()
			return order, domain.NewValidationError("quantity", "insufficient cash: need "+cost.StringFixed(2)+", have "+p.cash.StringFixed(2))
		}
	case domain.SideSell:
		held := decimal.Zero
		if pos, ok := p.positions[order.InstrumentID]; ok {
			held = pos.Quantity
		}
		if order.Quantity.GreaterThan(held) {
			p.mu.Unlock()
			return order, domain.NewValidationError("quantity", "sell of "+order.Quantity.String()+" exceeds held "+held.String())
		}
	}

	order.ID = "paper-" + uuid.NewString()
	order.FillPrice = price
	order.Status = domain.OrderStatusFilled
	order.CreatedAt = p.now()
	p.applyFillLocked(order, price, cost)
	p.mu.Unlock()

	if err := p.ledger.Record(ctx, p.Name(), order); err != nil {
		// The fill happened; a lost ledger write only weakens dedup after restart.
		slog.Error("paper order ledger write failed", slog.String("order_id", order.ID), slog.Any("error", err))
	}

	slog.Info("paper order filled",
		slog.String("order_id", order.ID),
		slog.String("instrument", order.InstrumentID),
		slog.String("side", order.Side),
		slog.String("qty", order.Quantity.String()),
		slog.String("price", price.String()),
	)
	return order, nil
}

func (p *PaperBroker) fillPriceLocked(order domain.Order) decimal.Decimal {
	if order.LimitPrice.IsPositive() {
		return order.LimitPrice
	}
	if mark, ok := p.marks[order.InstrumentID]; ok {
		return mark
	}
	slog.Warn("no mark for market order, using synthetic price", slog.String("instrument", order.InstrumentID))
	return syntheticPrice
}

func (p *PaperBroker) applyFillLocked(order domain.Order, price, cost decimal.Decimal) {
	p.rolloverLocked()
	pos, ok := p.positions[order.InstrumentID]

	switch order.Side {
	case domain.SideBuy:
		p.cash = p.cash.Sub(cost)
		if !ok {
			pos = &domain.Position{InstrumentID: order.InstrumentID}
			p.positions[order.InstrumentID] = pos
		}
		total := pos.Quantity.Add(order.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(cost).Div(total)
		pos.Quantity = total
		pos.MarkPrice = price
	case domain.SideSell:
		p.cash = p.cash.Add(cost)
		p.realized = p.realized.Add(price.Sub(pos.EntryPrice).Mul(order.Quantity))
		pos.Quantity = pos.Quantity.Sub(order.Quantity)
		pos.MarkPrice = price
		if pos.Quantity.IsZero() {
			delete(p.positions, order.InstrumentID)
		}
	}
	p.marks[order.InstrumentID] = price

	p.fills = append(p.fills, Fill{
		OrderID:      order.ID,
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		Quantity:     order.Quantity,
		Price:        price,
		Time:         order.CreatedAt,
	})
}

// CancelOrder always fails: paper orders fill immediately.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	return domain.NewValidationError("order_id", "paper order "+orderID+" already filled")
}

func (p *PaperBroker) rolloverLocked() {
	day := p.now().UTC().Format("2006-01-02")
	if day != p.realizedDay {
		p.realizedDay = day
		p.realized = decimal.Zero
	}
}
