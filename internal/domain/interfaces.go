package domain

import (
	"context"
	"time"
)

// Broker is the execution venue contract. PlaceOrder must return the prior
// result for an idempotency key it has already accepted.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	GetAccountSummary(ctx context.Context) (AccountSnapshot, error)
	PlaceOrder(ctx context.Context, order Order) (Order, error)
	GetPositions(ctx context.Context) (map[string]Position, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// MarketData is the data provider collaborator. An error is distinct from
// "no data" (an empty series or map).
type MarketData interface {
	FetchPriceHistory(ctx context.Context, instrument string, lookback time.Duration) ([]Bar, error)
	FetchFundamentals(ctx context.Context, instrument string) (map[string]float64, error)
	FetchSentiment(ctx context.Context, instrument string) (float64, error)
}

// Scorer is the opaque decision function.
type Scorer interface {
	Score(f Features) Prediction
}

// DriftDetector flags feature drift. Detection never blocks execution.
type DriftDetector interface {
	CheckDrift(instrument string, f Features) DriftResult
}

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier sends alerts. Fire-and-forget: failures are logged, not returned.
type Notifier interface {
	SendAlert(ctx context.Context, message string, severity Severity)
}
