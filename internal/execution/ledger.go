package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// OrderStore persists ledger entries. Implemented by storage.Storage.
type OrderStore interface {
	GetOrder(ctx context.Context, idempotencyKey string) (*domain.OrderRecord, error)
	SaveOrder(ctx context.Context, rec *domain.OrderRecord) error
}

// Ledger maps idempotency keys to the first accepted result. Lookups hit
// the in-memory cache first, then the store.
type Ledger struct {
	store OrderStore

	mu    sync.Mutex
	cache map[string]domain.Order
	keys  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLedger creates a Ledger. A nil store keeps the ledger in memory only.
func NewLedger(store OrderStore) *Ledger {
	return &Ledger{
		store: store,
		cache: make(map[string]domain.Order),
		keys:  make(map[string]*keyLock),
	}
}

// Lock serializes placement for one key and returns the unlock func.
func (l *Ledger) Lock(key string) func() {
	l.mu.Lock()
	k, ok := l.keys[key]
	if !ok {
		k = &keyLock{}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.keys, key)
		}
		l.mu.Unlock()
	}
}

// Lookup returns the order previously recorded under key.
func (l *Ledger) Lookup(ctx context.Context, key string) (domain.Order, bool, error) {
	l.mu.Lock()
	o, ok := l.cache[key]
	l.mu.Unlock()
	if ok {
		return o, true, nil
	}
	if l.store == nil {
		return domain.Order{}, false, nil
	}

	rec, err := l.store.GetOrder(ctx, key)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	if rec == nil {
		return domain.Order{}, false, nil
	}
	o = fromRecord(rec)
	l.mu.Lock()
	l.cache[key] = o
	l.mu.Unlock()
	return o, true, nil
}

// Record stores the result for its idempotency key.
func (l *Ledger) Record(ctx context.Context, broker string, o domain.Order) error {
	if l.store != nil {
		if err := l.store.SaveOrder(ctx, toRecord(broker, o)); err != nil {
			return fmt.Errorf("ledger record %s: %w", o.IdempotencyKey, err)
		}
	}
	l.mu.Lock()
	l.cache[o.IdempotencyKey] = o
	l.mu.Unlock()
	return nil
}

func toRecord(broker string, o domain.Order) *domain.OrderRecord {
	return &domain.OrderRecord{
		IdempotencyKey: o.IdempotencyKey,
		OrderID:        o.ID,
		Broker:         broker,
		InstrumentID:   o.InstrumentID,
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       o.Quantity.String(),
		LimitPrice:     o.LimitPrice.String(),
		FillPrice:      o.FillPrice.String(),
		Status:         o.Status,
		Reason:         o.Reason,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      time.Now(),
	}
}

func fromRecord(rec *domain.OrderRecord) domain.Order {
	return domain.Order{
		ID:             rec.OrderID,
		InstrumentID:   rec.InstrumentID,
		Side:           rec.Side,
		Type:           rec.Type,
		Quantity:       parseDecimal(rec.Quantity),
		LimitPrice:     parseDecimal(rec.LimitPrice),
		FillPrice:      parseDecimal(rec.FillPrice),
		IdempotencyKey: rec.IdempotencyKey,
		Status:         rec.Status,
		Reason:         rec.Reason,
		CreatedAt:      rec.CreatedAt,
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
