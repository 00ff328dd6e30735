package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Order Ledger Operations
// ======================================================================================

// GetOrder returns the order recorded under an idempotency key, or nil.
func (s *Storage) GetOrder(ctx context.Context, idempotencyKey string) (*domain.OrderRecord, error) {
	var rec domain.OrderRecord
	err := s.db.WithContext(ctx).First(&rec, "idempotency_key = ?", idempotencyKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetOrderByID looks an order up by broker order id, or returns nil.
func (s *Storage) GetOrderByID(ctx context.Context, orderID string) (*domain.OrderRecord, error) {
	var rec domain.OrderRecord
	err := s.db.WithContext(ctx).First(&rec, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveOrder creates or updates a ledger entry.
func (s *Storage) SaveOrder(ctx context.Context, rec *domain.OrderRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// ListOrders returns the most recent orders, newest first.
func (s *Storage) ListOrders(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// ======================================================================================
// Audit Operations
// ======================================================================================

// AppendAudit records an event. details is stored as JSON.
func (s *Storage) AppendAudit(ctx context.Context, eventType, instrumentID, action string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	rec := domain.AuditRecord{
		EventType:    eventType,
		InstrumentID: instrumentID,
		Action:       action,
		Details:      string(raw),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// RecentAudit returns the latest audit records, newest first.
func (s *Storage) RecentAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// ======================================================================================
// Spend Operations
// ======================================================================================

// LoadSpend returns per-provider spend for a UTC day (YYYY-MM-DD).
func (s *Storage) LoadSpend(ctx context.Context, day string) (map[string]float64, error) {
	var recs []domain.SpendRecord
	if err := s.db.WithContext(ctx).Where("day = ?", day).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(recs))
	for _, r := range recs {
		out[r.Provider] = r.Amount
	}
	return out, nil
}

// AddSpend increments the spend of provider on day.
func (s *Storage) AddSpend(ctx context.Context, day, provider string, amount float64) error {
	rec := domain.SpendRecord{Day: day, Provider: provider, Amount: amount, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "provider"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount":     gorm.Expr("amount + ?", amount),
			"updated_at": rec.UpdatedAt,
		}),
	}).Create(&rec).Error
}
