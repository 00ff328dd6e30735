package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Durable Log Operations
// ======================================================================================

// Append adds payload to stream and returns its offset. With maxLen > 0
// the oldest entries beyond maxLen are trimmed.
func (s *Storage) Append(ctx context.Context, stream, payload string, maxLen int) (uint64, error) {
	msg := domain.StreamMessage{Stream: stream, Payload: payload}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if maxLen <= 0 {
			return nil
		}
		var cutoff []uint64
		if err := tx.Model(&domain.StreamMessage{}).Where("stream = ?", stream).
			Order("id desc").Offset(maxLen).Limit(1).Pluck("id", &cutoff).Error; err != nil {
			return err
		}
		if len(cutoff) == 0 {
			return nil
		}
		return tx.Where("stream = ? AND id <= ?", stream, cutoff[0]).
			Delete(&domain.StreamMessage{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", stream, err)
	}
	return msg.ID, nil
}

// EnsureGroup creates the consumer group cursor if it does not exist.
func (s *Storage) EnsureGroup(ctx context.Context, stream, group string) error {
	cursor := domain.GroupCursor{Stream: stream, GroupName: group}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cursor).Error
}

// ReadGroup hands up to count new messages to consumer, advancing the
// group cursor and recording each as pending until acked.
func (s *Storage) ReadGroup(ctx context.Context, stream, group, consumer string, count int) ([]domain.Delivery, error) {
	var out []domain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor domain.GroupCursor
		err := tx.Where("stream = ? AND group_name = ?", stream, group).First(&cursor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("consumer group %s on %s does not exist", group, stream)
		}
		if err != nil {
			return err
		}

		var msgs []domain.StreamMessage
		if err := tx.Where("stream = ? AND id > ?", stream, cursor.LastID).
			Order("id").Limit(count).Find(&msgs).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		now := time.Now()
		for _, m := range msgs {
			pending := domain.PendingEntry{
				Stream:      stream,
				GroupName:   group,
				MessageID:   m.ID,
				Consumer:    consumer,
				Deliveries:  1,
				DeliveredAt: now,
			}
			if err := tx.Create(&pending).Error; err != nil {
				return err
			}
			out = append(out, domain.Delivery{Message: m, Deliveries: 1})
		}

		cursor.LastID = msgs[len(msgs)-1].ID
		return tx.Save(&cursor).Error
	})
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", group, err)
	}
	return out, nil
}

// Ack removes a message from the group's pending list.
func (s *Storage) Ack(ctx context.Context, stream, group string, id uint64) error {
	return s.db.WithContext(ctx).
		Where("stream = ? AND group_name = ? AND message_id = ?", stream, group, id).
		Delete(&domain.PendingEntry{}).Error
}

// ClaimStale transfers up to count messages pending longer than minIdle to
// consumer and bumps their delivery count. Pending entries whose message
// was trimmed are dropped.
func (s *Storage) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]domain.Delivery, error) {
	var out []domain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var stale []domain.PendingEntry
		if err := tx.Where("stream = ? AND group_name = ? AND delivered_at < ?", stream, group, now.Add(-minIdle)).
			Order("message_id").Limit(count).Find(&stale).Error; err != nil {
			return err
		}

		for _, p := range stale {
			var msg domain.StreamMessage
			err := tx.First(&msg, p.MessageID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if err := tx.Delete(&p).Error; err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			p.Consumer = consumer
			p.Deliveries++
			p.DeliveredAt = now
			if err := tx.Save(&p).Error; err != nil {
				return err
			}
			out = append(out, domain.Delivery{Message: msg, Deliveries: p.Deliveries})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim stale on %s: %w", stream, err)
	}
	return out, nil
}

// DeadLetter records a failed message with its reason.
func (s *Storage) DeadLetter(ctx context.Context, stream string, msg domain.StreamMessage, consumer, reason string) error {
	dl := domain.DeadLetter{
		Stream:    stream,
		MessageID: msg.ID,
		Payload:   msg.Payload,
		Reason:    reason,
		Consumer:  consumer,
	}
	return s.db.WithContext(ctx).Create(&dl).Error
}

// DeadLetters returns the most recent dead letters of stream.
func (s *Storage) DeadLetters(ctx context.Context, stream string, limit int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	err := s.db.WithContext(ctx).Where("stream = ?", stream).
		Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// StreamLen counts the messages currently retained in stream.
func (s *Storage) StreamLen(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.StreamMessage{}).Where("stream = ?", stream).Count(&n).Error
	return n, err
}

// PendingCount counts delivered but unacked messages of a group.
func (s *Storage) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.PendingEntry{}).
		Where("stream = ? AND group_name = ?", stream, group).Count(&n).Error
	return n, err
}
