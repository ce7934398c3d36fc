// Package services – OutboundService
//
// OutboundService handles an operator's reply: the text is delivered to the
// channel first, and only a delivered message is persisted, carrying the
// channel's message id. The stored row echoes the caller's client message id
// so the sending client can swap its optimistic bubble for the confirmed one.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/repo"
)

// Sender delivers text to a channel chat and returns the channel message id.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text, replyTo string) (channelMessageID string, err error)
}

// SendRequest is an operator's outbound message.
type SendRequest struct {
	OperatorID              string
	ThreadKey               int64
	Content                 string
	ReplyToChannelMessageID string
	ClientMessageID         string

	// IdempotencyKey, when set, makes retries return the first result.
	IdempotencyKey string
}

// OutboundService sends operator messages.
type OutboundService struct {
	DB        *gorm.DB
	Persister *Persister
	// Sender may be nil, in which case messages are only stored.
	Sender Sender

	MaxContentRunes int
	IdempotencyTTL  time.Duration
}

// Send delivers and persists req. replayed is true when the result was served
// from a prior call with the same idempotency key.
//
// Errors:
//   - ErrEmptyContent / ErrTooLong for invalid content.
//   - ErrThreadNotFound when no order has the thread key.
//   - ErrDeliveryFailed (wrapped) when the channel rejected the message.
func (s *OutboundService) Send(ctx context.Context, req SendRequest) (msg *domain.Message, replayed bool, err error) {
	ctx, span := otel.Tracer("services/OutboundService").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.Int64("thread.key", req.ThreadKey),
			attribute.String("operator.id", req.OperatorID),
		),
	)
	defer span.End()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, false, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, false, ErrTooLong
	}

	if req.IdempotencyKey != "" {
		rec, err := repo.GetIdempotency(ctx, s.DB, req.OperatorID, req.ThreadKey, req.IdempotencyKey, time.Now().UTC())
		if err == nil {
			if prev, err := repo.GetMessage(ctx, s.DB, rec.MessageID); err == nil {
				return prev, true, nil
			}
		}
	}

	order, err := repo.GetOrderByThreadKey(ctx, s.DB, req.ThreadKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, ErrThreadNotFound
		}
		return nil, false, err
	}
	contact, err := repo.GetContact(ctx, s.DB, order.ContactID)
	if err != nil {
		return nil, false, err
	}

	var channelID string
	if s.Sender != nil && contact.ChannelChatID != 0 {
		channelID, err = s.Sender.SendText(ctx, contact.ChannelChatID, content, req.ReplyToChannelMessageID)
		if err != nil {
			span.RecordError(err)
			log.Warn().Err(err).
				Int64("thread_key", req.ThreadKey).
				Str("external_id", contact.ExternalID).
				Msg("outbound delivery failed")
			return nil, false, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}

	msg, _, err = s.Persister.Persist(ctx, NewMessage{
		ThreadKey:        req.ThreadKey,
		OrderID:          order.ID,
		ContactID:        contact.ID,
		Author:           domain.AuthorOperator,
		Kind:             domain.KindText,
		Content:          content,
		ChannelMessageID: channelID,
		ReplyTo:          req.ReplyToChannelMessageID,
		ClientMessageID:  req.ClientMessageID,
	})
	if err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		ttl := s.IdempotencyTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		// Best effort: a lost record only means a retry sends again.
		if _, err := repo.CreateIdempotency(ctx, s.DB, req.OperatorID, req.ThreadKey, req.IdempotencyKey, msg.ID, 200, ttl); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			log.Warn().Err(err).Int64("thread_key", req.ThreadKey).Msg("store idempotency record")
		}
	}
	return msg, false, nil
}
