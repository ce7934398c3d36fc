// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Contact
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. Missing rows surface as ErrNotFound.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/crm-sync/internal/domain"
)

// EnsureContact inserts c unless a contact with the same external id already
// exists, then returns the stored row. Concurrent callers for one external id
// all observe the same contact.
func EnsureContact(ctx context.Context, db *gorm.DB, c domain.Contact) (*domain.Contact, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.ContactActive
	}
	if c.Channel == "" {
		c.Channel = domain.ChannelTelegram
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(&c).Error
	if err != nil && !IsDuplicate(err) {
		return nil, err
	}
	return GetContactByExternalID(ctx, db, c.ExternalID)
}

// GetContactByExternalID fetches a contact by its channel-native user id.
func GetContactByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Contact, error) {
	var c domain.Contact
	if err := db.WithContext(ctx).Where("external_id = ?", externalID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContact fetches a contact by id.
func GetContact(ctx context.Context, db *gorm.DB, id string) (*domain.Contact, error) {
	var c domain.Contact
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateContactChatID records the chat an outbound reply should go to.
func UpdateContactChatID(ctx context.Context, db *gorm.DB, id string, chatID int64) error {
	return db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ?", id).
		Updates(map[string]any{"channel_chat_id": chatID, "updated_at": time.Now().UTC()}).Error
}
