package domain

import (
	"time"
)

// StreamMessage is one entry of a durable append-only log. ID is the log offset.
type StreamMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Stream    string    `gorm:"index;not null" json:"stream"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupCursor is the last offset handed out to a consumer group.
type GroupCursor struct {
	Stream    string `gorm:"primaryKey"`
	GroupName string `gorm:"primaryKey"`
	LastID    uint64
	UpdatedAt time.Time
}

// PendingEntry is a delivered but unacknowledged message.
type PendingEntry struct {
	Stream      string `gorm:"primaryKey"`
	GroupName   string `gorm:"primaryKey"`
	MessageID   uint64 `gorm:"primaryKey"`
	Consumer    string `gorm:"index"`
	Deliveries  int
	DeliveredAt time.Time `gorm:"index"`
}

// DeadLetter is a message that failed processing, kept with the reason.
type DeadLetter struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Stream    string    `gorm:"index" json:"stream"`
	MessageID uint64    `json:"message_id"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	Consumer  string    `json:"consumer"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderRecord is the persisted idempotency ledger entry for an order.
type OrderRecord struct {
	IdempotencyKey string    `gorm:"primaryKey" json:"idempotency_key"`
	OrderID        string    `gorm:"uniqueIndex" json:"order_id"`
	Broker         string    `json:"broker"`
	InstrumentID   string    `gorm:"index" json:"instrument_id"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Quantity       string    `json:"quantity"`
	LimitPrice     string    `json:"limit_price"`
	FillPrice      string    `json:"fill_price"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuditRecord is an append-only record of a decision or order.
type AuditRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType    string    `gorm:"index" json:"event_type"`
	InstrumentID string    `gorm:"index" json:"instrument_id"`
	Action       string    `json:"action"`
	Details      string    `json:"details"` // JSON object
	CreatedAt    time.Time `json:"created_at"`
}

// SpendRecord is the API spend of one provider on one UTC day.
type SpendRecord struct {
	Day       string `gorm:"primaryKey"` // YYYY-MM-DD
	Provider  string `gorm:"primaryKey"`
	Amount    float64
	UpdatedAt time.Time
}

// AppConfig represents runtime key-value settings (kill switch state).
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delivery is a message handed to a consumer together with the number of
// times it has been delivered, including this one.
type Delivery struct {
	Message    StreamMessage
	Deliveries int
}
