// Package handlers defines the stable, machine-readable error codes returned
// in the ErrorResponse envelope. Generic codes mirror HTTP semantics;
// domain codes name the operation that failed so clients can branch on them.
//
// Example:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "delivery_failed",
//	  "message": "telegram rejected the message"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeIngestFailed   = "ingest_failed"
	ErrCodeDeliveryFailed = "delivery_failed"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeListFailed     = "list_failed"
	ErrCodeUpdateFailed   = "update_failed"
)
