// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/domain"
)

// OrdersStats returns the number of orders of a contact and the greatest
// UpdatedAt among them (nil when the contact has none).
func OrdersStats(ctx context.Context, db *gorm.DB, contactID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return stats(db.WithContext(ctx).Model(&domain.Order{}).Where("contact_id = ?", contactID))
}

// MessagesStats returns the number of messages in a thread and the greatest
// UpdatedAt among them. Reaction updates bump UpdatedAt, so the pair changes
// whenever the visible thread changes.
func MessagesStats(ctx context.Context, db *gorm.DB, threadKey int64) (count int64, maxUpdatedAt *time.Time, err error) {
	return stats(db.WithContext(ctx).Model(&domain.Message{}).Where("thread_key = ?", threadKey))
}

func stats(q *gorm.DB) (int64, *time.Time, error) {
	var count int64
	if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err := q.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
