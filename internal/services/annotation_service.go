// Package services – AnnotationService
//
// Reactions are the only mutation a persisted message ever receives. Setting
// one bumps updated_at (so thread ETags change) and broadcasts
// message_updated to the rooms that saw the original message.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/repo"
)

const maxReactionRunes = 16

// AnnotationService sets message reactions.
type AnnotationService struct {
	DB          *gorm.DB
	Broadcaster Broadcaster
}

// React sets the reaction of messageID on behalf of operatorID. An empty
// reaction clears it.
//
// Errors:
//   - ErrTooLong when the reaction exceeds the rune limit.
//   - ErrMessageNotFound when the message does not exist.
func (s *AnnotationService) React(ctx context.Context, operatorID, messageID, reaction string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/AnnotationService").Start(ctx, "React",
		trace.WithAttributes(
			attribute.String("operator.id", operatorID),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	reaction = strings.TrimSpace(reaction)
	if utf8.RuneCountInString(reaction) > maxReactionRunes {
		return nil, ErrTooLong
	}

	var (
		msg  *domain.Message
		link *domain.MessageLink
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetReaction(ctx, tx, messageID, reaction); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		m, err := repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		msg = m
		// Operator-side system rows may have no link.
		if l, err := repo.GetMessageLink(ctx, tx, messageID); err == nil {
			link = l
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Broadcaster != nil {
		var orderID, contactID string
		if link != nil {
			orderID, contactID = link.OrderID, link.ContactID
		}
		s.Broadcaster.PublishMessageUpdated(orderID, contactID, msg)
	}
	return msg, nil
}
