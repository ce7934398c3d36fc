// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Order
// (conversation thread) model.
//
// Error semantics:
//   - When an order is not found, functions return ErrNotFound.
//   - Unique violations on the thread key or the active slot surface as
//     ErrDuplicate from UpdateOrderStatus and as inserted=false from
//     InsertActiveOrder.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/crm-sync/internal/domain"
)

// RecentOrders returns up to limit orders of a contact, newest first.
func RecentOrders(ctx context.Context, db *gorm.DB, contactID string, limit int) ([]domain.Order, error) {
	var out []domain.Order
	q := db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("created_at DESC, main_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// InsertActiveOrder inserts a non-terminal order for contactID with the given
// thread key. It reports inserted=false when another active order already
// holds the contact's active slot.
func InsertActiveOrder(ctx context.Context, db *gorm.DB, contactID string, threadKey int64, status domain.OrderStatus) (*domain.Order, bool, error) {
	if status.Terminal() {
		return nil, false, errors.New("active order cannot start in a terminal status")
	}
	now := time.Now().UTC()
	slot := contactID
	o := &domain.Order{
		ID:         uuid.NewString(),
		ContactID:  contactID,
		MainID:     threadKey,
		Status:     status,
		ActiveSlot: &slot,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(o)
	if res.Error != nil {
		if IsDuplicate(res.Error) {
			return nil, false, nil
		}
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return o, true, nil
}

// ActiveOrder returns the order currently holding the contact's active slot.
func ActiveOrder(ctx context.Context, db *gorm.DB, contactID string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("active_slot = ?", contactID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder fetches an order by id.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderByThreadKey fetches an order by its thread key (main_id).
func GetOrderByThreadKey(ctx context.Context, db *gorm.DB, threadKey int64) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("main_id = ?", threadKey).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// CountOrders returns the number of orders owned by a contact.
func CountOrders(ctx context.Context, db *gorm.DB, contactID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Order{}).Where("contact_id = ?", contactID).Count(&n).Error
	return n, err
}

// ListOrdersPage returns a page of a contact's orders, newest first.
func ListOrdersPage(ctx context.Context, db *gorm.DB, contactID string, offset, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := db.WithContext(ctx).
		Where("contact_id = ?", contactID).
		Order("created_at DESC, main_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateOrderStatus sets status and the active slot in one statement.
// activeSlot must be nil for terminal statuses and the contact id otherwise.
func UpdateOrderStatus(ctx context.Context, db *gorm.DB, id string, status domain.OrderStatus, activeSlot *string) error {
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"active_slot": activeSlot,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		if IsDuplicate(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
