// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// Idempotency records the result of a completed outbound send, keyed by
// (operator_id, thread_key, key). A retried request carrying the same
// Idempotency-Key is answered with the recorded message instead of sending
// to the channel again.
type Idempotency struct {
	ID         string    `gorm:"type:varchar(36);not null;primaryKey"`
	OperatorID string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_operator_thread_key,priority:1"`
	ThreadKey  int64     `gorm:"not null;uniqueIndex:ux_operator_thread_key,priority:2"`
	Key        string    `gorm:"column:idem_key;type:varchar(200);not null;uniqueIndex:ux_operator_thread_key,priority:3"`
	MessageID  string    `gorm:"type:varchar(36);not null"`
	Status     int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
