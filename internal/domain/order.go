package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a trading order owned by the broker that created it.
// The orchestrator only reads Status.
type Order struct {
	ID             string
	InstrumentID   string
	Side           string // "buy", "sell"
	Type           string // "market", "limit"
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal // Zero for market orders.
	FillPrice      decimal.Decimal
	IdempotencyKey string
	Status         string
	Reason         string
	Duplicate      bool // Set when the idempotency key matched a prior order.
	CreatedAt      time.Time
}

const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"

	OrderStatusPending   = "pending"
	OrderStatusSubmitted = "submitted"
	OrderStatusFilled    = "filled"
	OrderStatusRejected  = "rejected"
	OrderStatusCancelled = "cancelled"
)

// Notional returns quantity times the limit price, or the fill price when filled.
func (o *Order) Notional() decimal.Decimal {
	price := o.LimitPrice
	if !o.FillPrice.IsZero() {
		price = o.FillPrice
	}
	return o.Quantity.Mul(price)
}

// Validate checks the order can be sent to a venue.
func (o *Order) Validate() error {
	if err := ValidateInstrument(o.InstrumentID); err != nil {
		return NewValidationError("instrument", err.Error())
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return NewValidationError("side", "unknown side "+o.Side)
	}
	if !o.Quantity.IsPositive() {
		return NewValidationError("quantity", "must be positive")
	}
	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !o.LimitPrice.IsPositive() {
			return NewValidationError("limit_price", "limit order requires a positive price")
		}
	default:
		return NewValidationError("type", "unknown order type "+o.Type)
	}
	if o.IdempotencyKey == "" {
		return NewValidationError("idempotency_key", "required")
	}
	return nil
}
