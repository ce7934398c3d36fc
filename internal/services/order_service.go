// Package services – OrderService
//
// OrderService lists a contact's conversation threads and applies status
// transitions. A transition keeps orders.active_slot in step with the status
// so the storage layer still allows only one active thread per contact.
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/repo"
)

// OrderRepo defines the repository contract required by OrderService.
type OrderRepo interface {
	// GetContact fetches a contact by id.
	GetContact(ctx context.Context, db *gorm.DB, id string) (*domain.Contact, error)

	// GetOrder fetches an order by id.
	GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error)

	// UpdateOrderStatus sets status and active slot atomically.
	UpdateOrderStatus(ctx context.Context, db *gorm.DB, id string, status domain.OrderStatus, activeSlot *string) error

	// CountOrders returns the total number of orders for pagination.
	CountOrders(ctx context.Context, db *gorm.DB, contactID string) (int64, error)

	// ListOrdersPage returns a page of a contact's orders.
	ListOrdersPage(ctx context.Context, db *gorm.DB, contactID string, offset, limit int) ([]domain.Order, error)
}

// OrderService provides order-level operations.
type OrderService struct {
	DB          *gorm.DB
	Repo        OrderRepo
	Broadcaster Broadcaster
}

// NewOrderService constructs an OrderService. b may be nil.
func NewOrderService(db *gorm.DB, r OrderRepo, b Broadcaster) *OrderService {
	return &OrderService{DB: db, Repo: r, Broadcaster: b}
}

// ListPage returns a page of a contact's orders, newest first, and the total.
func (s *OrderService) ListPage(ctx context.Context, contactID string, page, pageSize int) ([]domain.Order, int64, error) {
	ctx, span := otel.Tracer("services/OrderService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("contact.id", contactID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := s.Repo.GetContact(ctx, s.DB, contactID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrContactNotFound
		}
		return nil, 0, err
	}

	total, err := s.Repo.CountOrders(ctx, s.DB, contactID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Order{}, 0, nil
	}

	items, err := s.Repo.ListOrdersPage(ctx, s.DB, contactID, offset, pageSize)
	return items, total, err
}

// UpdateStatus moves an order to status. A terminal status frees the
// contact's active slot; a non-terminal one claims it and fails with
// ErrActiveThreadExists when another thread already holds it.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	ctx, span := otel.Tracer("services/OrderService").Start(ctx, "UpdateStatus",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("order.status", string(status)),
		),
	)
	defer span.End()

	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	o, err := s.Repo.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	var slot *string
	if !status.Terminal() {
		cid := o.ContactID
		slot = &cid
	}
	if err := s.Repo.UpdateOrderStatus(ctx, s.DB, orderID, status, slot); err != nil {
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			return nil, ErrActiveThreadExists
		case errors.Is(err, repo.ErrNotFound):
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	updated, err := s.Repo.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if s.Broadcaster != nil {
		s.Broadcaster.PublishOrderUpdated(updated)
	}
	return updated, nil
}
