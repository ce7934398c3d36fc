// Package services holds the business logic of the sync layer: conversation
// resolution, message persistence, outbound sends, order status transitions
// and message annotation. This file centralizes the service-level error values
// so handlers can map them to HTTP results consistently.
package services

import "errors"

// Resolution errors.
var (
	// ErrInvalidIdentity is returned when an inbound identity has no usable
	// external id.
	ErrInvalidIdentity = errors.New("invalid external identity")

	// ErrResolveFailed wraps persistence failures during find-or-create.
	ErrResolveFailed = errors.New("conversation resolution failed")
)

// Lookup errors.
var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrContactNotFound = errors.New("contact not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Validation and state errors.
var (
	// ErrEmptyContent is returned when a text message has no content.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when content or a reaction exceeds the
	// configured rune limit.
	ErrTooLong = errors.New("content too long")

	// ErrInvalidKind is returned for an unknown message or author kind.
	ErrInvalidKind = errors.New("invalid message kind")

	// ErrInvalidStatus is returned for an unknown order status.
	ErrInvalidStatus = errors.New("invalid order status")

	// ErrActiveThreadExists is returned when reopening an order would give
	// its contact a second active thread.
	ErrActiveThreadExists = errors.New("contact already has an active thread")

	// ErrDeliveryFailed is returned when the channel rejected an outbound
	// message. Nothing is persisted in that case.
	ErrDeliveryFailed = errors.New("channel delivery failed")
)
