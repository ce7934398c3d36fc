// Package services – Resolver
//
// Resolver maps an external channel identity to its canonical Contact and the
// single active Order (conversation thread) that new inbound messages attach
// to. Find-or-create runs under a keyed lock and inside one transaction, and
// the unique indexes on contacts.external_id and orders.active_slot turn any
// race that slips past the lock into a no-op insert followed by a re-select.
package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/lock"
	"github.com/tbourn/crm-sync/internal/repo"
)

const maxExternalIDLen = 64

// KeyGenerator yields unique thread keys.
type KeyGenerator interface {
	Next() int64
}

// Identity is the sender of an inbound channel event.
type Identity struct {
	Channel     string
	ExternalID  string
	ChatID      int64
	DisplayName string
}

// Resolution is the conversation an inbound event belongs to.
type Resolution struct {
	Contact *domain.Contact
	Order   *domain.Order
	// Created is true when this call opened a new thread.
	Created bool
}

// ThreadKey returns the resolved thread key.
func (r *Resolution) ThreadKey() int64 { return r.Order.MainID }

// Resolver finds or creates the contact and active thread for an identity.
type Resolver struct {
	DB     *gorm.DB
	Locker lock.Locker
	Keys   KeyGenerator

	// Lookback bounds how many recent threads are scanned for an active one.
	Lookback int
}

// NewResolver constructs a Resolver. A nil locker falls back to an
// in-process lock.
func NewResolver(db *gorm.DB, locker lock.Locker, keys KeyGenerator, lookback int) *Resolver {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if lookback <= 0 {
		lookback = 10
	}
	return &Resolver{DB: db, Locker: locker, Keys: keys, Lookback: lookback}
}

// Resolve returns the contact and active thread for id, creating either when
// absent. Persistence failures are logged and returned wrapping
// ErrResolveFailed.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*Resolution, error) {
	tr := otel.Tracer("services/Resolver")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("contact.external_id", id.ExternalID),
			attribute.String("channel", id.Channel),
		),
	)
	defer span.End()

	id.ExternalID = strings.TrimSpace(id.ExternalID)
	if id.ExternalID == "" || utf8.RuneCountInString(id.ExternalID) > maxExternalIDLen {
		return nil, ErrInvalidIdentity
	}
	if id.Channel == "" {
		id.Channel = domain.ChannelTelegram
	}

	unlock, err := r.Locker.Lock(ctx, "resolve:"+id.Channel+":"+id.ExternalID)
	if err != nil {
		log.Error().Err(err).Str("external_id", id.ExternalID).Msg("resolve lock failed")
		return nil, fmt.Errorf("%w: lock: %v", ErrResolveFailed, err)
	}
	defer unlock()

	var res Resolution
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.EnsureContact(ctx, tx, domain.Contact{
			Channel:       id.Channel,
			ExternalID:    id.ExternalID,
			ChannelChatID: id.ChatID,
			DisplayName:   displayName(id),
		})
		if err != nil {
			return fmt.Errorf("contact: %w", err)
		}
		if id.ChatID != 0 && c.ChannelChatID != id.ChatID {
			if err := repo.UpdateContactChatID(ctx, tx, c.ID, id.ChatID); err != nil {
				return fmt.Errorf("contact chat id: %w", err)
			}
			c.ChannelChatID = id.ChatID
		}
		res.Contact = c

		recent, err := repo.RecentOrders(ctx, tx, c.ID, r.Lookback)
		if err != nil {
			return fmt.Errorf("recent orders: %w", err)
		}
		for i := range recent {
			if !recent[i].Status.Terminal() {
				res.Order = &recent[i]
				return nil
			}
		}

		o, inserted, err := repo.InsertActiveOrder(ctx, tx, c.ID, r.Keys.Next(), domain.StatusUnsorted)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if inserted {
			res.Order, res.Created = o, true
			return nil
		}
		// Another resolver (or an active thread older than the lookback)
		// holds the slot.
		o, err = repo.ActiveOrder(ctx, tx, c.ID)
		if err != nil {
			return fmt.Errorf("reselect active order: %w", err)
		}
		res.Order = o
		return nil
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("external_id", id.ExternalID).Msg("resolve failed")
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}

	span.SetAttributes(attribute.Int64("thread.key", res.Order.MainID))
	if res.Created {
		log.Info().
			Str("external_id", id.ExternalID).
			Str("contact_id", res.Contact.ID).
			Int64("thread_key", res.Order.MainID).
			Msg("opened thread")
	}
	return &res, nil
}

func displayName(id Identity) string {
	if n := strings.TrimSpace(id.DisplayName); n != "" {
		return n
	}
	return "Telegram " + id.ExternalID
}
