// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model and its MessageLink join record.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/crm-sync/internal/domain"
)

// InsertMessage inserts m unless a row with the same (thread_key,
// channel_message_id) exists. inserted=false means the write was a no-op.
func InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) (inserted bool, err error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_key"}, {Name: "channel_message_id"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		if IsDuplicate(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateMessageLink inserts the join record for a message.
func CreateMessageLink(ctx context.Context, db *gorm.DB, messageID, orderID, contactID string) error {
	return db.WithContext(ctx).Create(&domain.MessageLink{
		MessageID: messageID,
		OrderID:   orderID,
		ContactID: contactID,
		CreatedAt: time.Now().UTC(),
	}).Error
}

// InsertMessageAliases records ids as further channel ids of messageID.
// Ids already recorded for the thread are left untouched.
func InsertMessageAliases(ctx context.Context, db *gorm.DB, threadKey int64, messageID string, ids []string) error {
	now := time.Now().UTC()
	rows := make([]domain.MessageAlias, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		rows = append(rows, domain.MessageAlias{ThreadKey: threadKey, ChannelMessageID: id, MessageID: messageID, CreatedAt: now})
	}
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// KnownChannelIDs returns which of ids are already stored for the thread,
// either as a message's own channel id or as an alias.
func KnownChannelIDs(ctx context.Context, db *gorm.DB, threadKey int64, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	var own, aliased []string
	if err := db.WithContext(ctx).Model(&domain.Message{}).
		Where("thread_key = ? AND channel_message_id IN ?", threadKey, ids).
		Pluck("channel_message_id", &own).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&domain.MessageAlias{}).
		Where("thread_key = ? AND channel_message_id IN ?", threadKey, ids).
		Pluck("channel_message_id", &aliased).Error; err != nil {
		return nil, err
	}
	for _, id := range append(own, aliased...) {
		known[id] = true
	}
	return known, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByChannelID fetches the message persisted for a channel event.
func GetMessageByChannelID(ctx context.Context, db *gorm.DB, threadKey int64, channelMessageID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("thread_key = ? AND channel_message_id = ?", threadKey, channelMessageID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageLink fetches the join record of a message.
func GetMessageLink(ctx context.Context, db *gorm.DB, messageID string) (*domain.MessageLink, error) {
	var l domain.MessageLink
	if err := db.WithContext(ctx).Where("message_id = ?", messageID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// CountThreadMessages returns the number of messages in a thread.
func CountThreadMessages(ctx context.Context, db *gorm.DB, threadKey int64) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Message{}).Where("thread_key = ?", threadKey).Count(&total).Error
	return total, err
}

// ListThreadMessagesPage returns a page of a thread ordered (CreatedAt ASC, ID ASC).
func ListThreadMessagesPage(ctx context.Context, db *gorm.DB, threadKey int64, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("thread_key = ?", threadKey).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SetReaction updates the annotation field of a message.
func SetReaction(ctx context.Context, db *gorm.DB, id, reaction string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"reaction": reaction, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
