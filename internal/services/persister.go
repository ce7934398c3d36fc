// Package services – Persister
//
// Persister writes the canonical Message row for a thread together with its
// MessageLink, then hands the stored row to the Broadcaster. Redelivered
// channel events collide on (thread_key, channel_message_id) and are
// returned as the existing row with created=false.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/observability"
	"github.com/tbourn/crm-sync/internal/repo"
)

// Broadcaster fans persisted changes out to realtime subscribers. Calls must
// not block.
type Broadcaster interface {
	PublishMessage(orderID, contactID string, msg *domain.Message)
	PublishMessageUpdated(orderID, contactID string, msg *domain.Message)
	PublishOrderUpdated(order *domain.Order)
}

// NewMessage is the input of Persist.
type NewMessage struct {
	ThreadKey int64
	OrderID   string
	ContactID string

	Author  domain.AuthorKind
	Kind    domain.MessageKind
	Content string

	ChannelMessageID string
	AttachmentURL    string
	ReplyTo          string
	ClientMessageID  string
	// AliasChannelIDs are further channel ids the message absorbed.
	AliasChannelIDs []string
}

// Persister stores messages exactly once per channel message id.
type Persister struct {
	DB          *gorm.DB
	Broadcaster Broadcaster

	// MaxContentRunes caps content length; zero disables the check.
	MaxContentRunes int
}

// NewPersister constructs a Persister. b may be nil.
func NewPersister(db *gorm.DB, b Broadcaster) *Persister {
	return &Persister{DB: db, Broadcaster: b, MaxContentRunes: 8000}
}

// Persist inserts nm and broadcasts it. When the channel message id was
// already stored for the thread, the stored row is returned with
// created=false and nothing is broadcast.
func (p *Persister) Persist(ctx context.Context, nm NewMessage) (*domain.Message, bool, error) {
	tr := otel.Tracer("services/Persister")
	ctx, span := tr.Start(ctx, "Persist",
		trace.WithAttributes(
			attribute.Int64("thread.key", nm.ThreadKey),
			attribute.String("message.kind", string(nm.Kind)),
			attribute.String("message.channel_id", nm.ChannelMessageID),
		),
	)
	defer span.End()

	if nm.Kind == "" {
		nm.Kind = domain.KindText
	}
	if !nm.Kind.Valid() || !nm.Author.Valid() {
		return nil, false, ErrInvalidKind
	}
	content := strings.TrimSpace(nm.Content)
	if nm.Kind == domain.KindText && content == "" {
		return nil, false, ErrEmptyContent
	}
	if p.MaxContentRunes > 0 && utf8.RuneCountInString(content) > p.MaxContentRunes {
		return nil, false, ErrTooLong
	}

	now := time.Now().UTC()
	m := &domain.Message{
		ID:                      uuid.NewString(),
		ThreadKey:               nm.ThreadKey,
		AuthorKind:              nm.Author,
		Content:                 domain.StrPtr(content),
		Kind:                    nm.Kind,
		ChannelMessageID:        domain.StrPtr(nm.ChannelMessageID),
		AttachmentURL:           domain.StrPtr(nm.AttachmentURL),
		ReplyToChannelMessageID: domain.StrPtr(nm.ReplyTo),
		ClientMessageID:         domain.StrPtr(nm.ClientMessageID),
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	created := false
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := repo.InsertMessage(ctx, tx, m)
		if err != nil {
			return err
		}
		if !inserted {
			if nm.ChannelMessageID == "" {
				return errors.New("message insert affected no rows")
			}
			existing, err := repo.GetMessageByChannelID(ctx, tx, nm.ThreadKey, nm.ChannelMessageID)
			if err != nil {
				return err
			}
			m = existing
			return nil
		}
		created = true
		if err := repo.InsertMessageAliases(ctx, tx, nm.ThreadKey, m.ID, nm.AliasChannelIDs); err != nil {
			return err
		}
		if nm.OrderID == "" {
			return nil
		}
		return repo.CreateMessageLink(ctx, tx, m.ID, nm.OrderID, nm.ContactID)
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).
			Int64("thread_key", nm.ThreadKey).
			Str("channel_message_id", nm.ChannelMessageID).
			Msg("persist message failed")
		return nil, false, err
	}

	if !created {
		observability.MessagesPersisted.WithLabelValues(string(nm.Author), "duplicate").Inc()
		log.Debug().
			Int64("thread_key", nm.ThreadKey).
			Str("channel_message_id", nm.ChannelMessageID).
			Msg("duplicate channel message ignored")
		return m, false, nil
	}

	observability.MessagesPersisted.WithLabelValues(string(nm.Author), "created").Inc()
	if p.Broadcaster != nil {
		p.Broadcaster.PublishMessage(nm.OrderID, nm.ContactID, m)
	}
	return m, true, nil
}

// KnownChannelIDs reports which of ids are already stored for the thread.
func (p *Persister) KnownChannelIDs(ctx context.Context, threadKey int64, ids []string) (map[string]bool, error) {
	return repo.KnownChannelIDs(ctx, p.DB, threadKey, ids)
}
