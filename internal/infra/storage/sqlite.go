package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the sqlite persistence layer: durable log, idempotency
// ledger, audit log, spend ledger and runtime settings.
type Storage struct {
	db *gorm.DB
}

var models = []any{
	&domain.StreamMessage{},
	&domain.GroupCursor{},
	&domain.PendingEntry{},
	&domain.DeadLetter{},
	&domain.OrderRecord{},
	&domain.AuditRecord{},
	&domain.SpendRecord{},
	&domain.AppConfig{},
}

// NewStorage opens (or creates) the database at path and migrates it.
// ":memory:" opens a private in-memory database.
func NewStorage(path string) (*Storage, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time; workers queue on the pool instead of hitting SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity for the health endpoint.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a runtime setting
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// GetConfig returns a runtime setting and whether it exists
func (s *Storage) GetConfig(key string) (string, bool, error) {
	var config domain.AppConfig
	err := s.db.Where(&domain.AppConfig{Key: key}).First(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return config.Value, true, nil
}

// DeleteConfig removes a runtime setting
func (s *Storage) DeleteConfig(key string) error {
	return s.db.Delete(&domain.AppConfig{Key: key}).Error
}
