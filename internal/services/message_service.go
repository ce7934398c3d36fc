// Package services – MessageService
//
// MessageService serves the read side of a thread: the full, ascending list
// an operator client fetches on open and again after every reconnect.
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

// MessageService lists thread messages.
type MessageService struct {
	DB *gorm.DB
}

// ListPage returns a page of a thread ordered by creation time, and the total.
func (s *MessageService) ListPage(ctx context.Context, threadKey int64, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int64("thread.key", threadKey),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetOrderByThreadKey(ctx, s.DB, threadKey); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrThreadNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountThreadMessages(ctx, s.DB, threadKey)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListThreadMessagesPage(ctx, s.DB, threadKey, offset, pageSize)
	return items, total, err
}
