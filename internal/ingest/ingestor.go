// Package ingest is the webhook-side pipeline: classify an update, resolve
// its conversation, relay media, persist and broadcast.
//
// The channel delivers at least once. Handled update ids short-circuit
// through a SeenSet and persistence is idempotent on the channel message id,
// so a redelivered update never creates a second row. Pipeline errors are
// returned so the transport can ask the channel to redeliver.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/crm-sync/internal/debounce"
	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/observability"
	"github.com/tbourn/crm-sync/internal/relay"
	"github.com/tbourn/crm-sync/internal/services"
)

// Default replies.
const (
	DefaultGreeting       = "Hello! Send us a message and an operator will reply shortly."
	DefaultUnknownCommand = "Sorry, I don't know that command."
	DefaultFailureNotice  = "Sorry, we could not deliver your message. Please send it again."
)

const notifyTimeout = 10 * time.Second

// Resolver finds the conversation of a sender.
type Resolver interface {
	Resolve(ctx context.Context, id services.Identity) (*services.Resolution, error)
}

// Relayer re-hosts channel media.
type Relayer interface {
	Relay(ctx context.Context, ref relay.Ref, threadKey int64) (string, error)
}

// Persister stores messages idempotently.
type Persister interface {
	Persist(ctx context.Context, nm services.NewMessage) (*domain.Message, bool, error)
	KnownChannelIDs(ctx context.Context, threadKey int64, ids []string) (map[string]bool, error)
}

// Replier sends bot replies to a chat.
type Replier interface {
	SendText(ctx context.Context, chatID int64, text, replyTo string) (string, error)
}

// Ingestor handles inbound updates.
type Ingestor struct {
	Resolver  Resolver
	Relay     Relayer
	Persister Persister
	Replier   Replier
	Seen      SeenSet

	// Buffer, when set, coalesces text fragments per sender.
	Buffer *debounce.Buffer

	Greeting       string
	UnknownCommand string
	FailureNotice  string

	log zerolog.Logger
}

// New returns an Ingestor with default replies and no debounce buffer.
func New(r Resolver, rl Relayer, p Persister, rep Replier, seen SeenSet) *Ingestor {
	return &Ingestor{
		Resolver:       r,
		Relay:          rl,
		Persister:      p,
		Replier:        rep,
		Seen:           seen,
		Greeting:       DefaultGreeting,
		UnknownCommand: DefaultUnknownCommand,
		FailureNotice:  DefaultFailureNotice,
		log:            log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest handles one update. A nil error means the update was accepted,
// ignored or was a redelivery.
func (in *Ingestor) Ingest(ctx context.Context, upd tgbotapi.Update) error {
	ev := Classify(upd)

	ctx, span := otel.Tracer("ingest/Ingestor").Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.Int("update.id", ev.UpdateID),
			attribute.String("update.kind", string(ev.Kind)),
			attribute.String("contact.external_id", ev.Identity.ExternalID),
		),
	)
	defer span.End()

	seenID := strconv.Itoa(ev.UpdateID)
	if in.Seen != nil {
		if dup, err := in.Seen.Seen(ctx, seenID); err != nil {
			in.log.Warn().Err(err).Int("update_id", ev.UpdateID).Msg("seen-set lookup failed")
		} else if dup {
			observability.InboundEvents.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	outcome, err := in.dispatch(ctx, ev)
	if err != nil {
		span.RecordError(err)
		observability.InboundEvents.WithLabelValues("failed").Inc()
		in.log.Error().Err(err).
			Int("update_id", ev.UpdateID).
			Str("external_id", ev.Identity.ExternalID).
			Str("channel_message_id", ev.ChannelMessageID).
			Msg("inbound pipeline failed")
		return err
	}
	observability.InboundEvents.WithLabelValues(outcome).Inc()

	if in.Seen != nil {
		if err := in.Seen.Mark(ctx, seenID); err != nil {
			in.log.Warn().Err(err).Int("update_id", ev.UpdateID).Msg("seen-set mark failed")
		}
	}
	return nil
}

func (in *Ingestor) dispatch(ctx context.Context, ev Event) (string, error) {
	switch ev.Kind {
	case KindIgnored:
		return "ignored", nil
	case KindCommand:
		in.command(ctx, ev)
		return "command", nil
	case KindText:
		if ev.Text == "" {
			return "ignored", nil
		}
		if in.Buffer != nil {
			err := in.Buffer.Add(ev.Identity.ExternalID, debounce.Fragment{
				Text:             ev.Text,
				ChannelMessageID: ev.ChannelMessageID,
				ReplyTo:          ev.ReplyTo,
				Meta:             ev.Identity,
			})
			if err != nil {
				return "", err
			}
			return "accepted", nil
		}
		return "accepted", in.persistText(ctx, ev.Identity, ev.Text, ev.ChannelMessageID, ev.ReplyTo)
	default:
		return "accepted", in.persistMedia(ctx, ev)
	}
}

func (in *Ingestor) command(ctx context.Context, ev Event) {
	reply := in.UnknownCommand
	if ev.Command == "start" {
		reply = in.Greeting
	}
	if in.Replier == nil || reply == "" {
		return
	}
	if _, err := in.Replier.SendText(ctx, ev.Identity.ChatID, reply, ""); err != nil {
		in.log.Warn().Err(err).Str("external_id", ev.Identity.ExternalID).Str("command", ev.Command).Msg("command reply failed")
	}
}

func (in *Ingestor) persistText(ctx context.Context, id services.Identity, text, channelID, replyTo string) error {
	res, err := in.Resolver.Resolve(ctx, id)
	if err != nil {
		return err
	}
	_, _, err = in.Persister.Persist(ctx, services.NewMessage{
		ThreadKey:        res.ThreadKey(),
		OrderID:          res.Order.ID,
		ContactID:        res.Contact.ID,
		Author:           domain.AuthorClient,
		Kind:             domain.KindText,
		Content:          text,
		ChannelMessageID: channelID,
		ReplyTo:          replyTo,
	})
	return err
}

func (in *Ingestor) persistMedia(ctx context.Context, ev Event) error {
	res, err := in.Resolver.Resolve(ctx, ev.Identity)
	if err != nil {
		return err
	}

	var url string
	if in.Relay != nil && ev.Media != nil {
		// Relay failures degrade the message instead of dropping it.
		url, _ = in.Relay.Relay(ctx, *ev.Media, res.ThreadKey())
	}
	content := ev.Text
	if url == "" {
		placeholder := fmt.Sprintf("[%s attachment unavailable]", ev.Kind)
		if content == "" {
			content = placeholder
		} else {
			content += "\n" + placeholder
		}
	}

	_, _, err = in.Persister.Persist(ctx, services.NewMessage{
		ThreadKey:        res.ThreadKey(),
		OrderID:          res.Order.ID,
		ContactID:        res.Contact.ID,
		Author:           domain.AuthorClient,
		Kind:             ev.Kind.MessageKind(),
		Content:          content,
		ChannelMessageID: ev.ChannelMessageID,
		AttachmentURL:    url,
		ReplyTo:          ev.ReplyTo,
	})
	return err
}

// FlushBatch is the debounce handler: it persists a coalesced batch.
// Fragments whose channel ids are already stored for the thread are
// dropped; the first remaining fragment supplies the channel id and reply
// target and the rest are recorded as aliases of the stored row.
func (in *Ingestor) FlushBatch(ctx context.Context, b debounce.Batch) error {
	id, ok := b.Meta.(services.Identity)
	if !ok {
		return errors.New("debounce batch without sender identity")
	}
	res, err := in.Resolver.Resolve(ctx, id)
	if err != nil {
		return err
	}

	parts := b.Parts
	if len(parts) == 0 {
		parts = []debounce.Fragment{{Text: b.Text, ChannelMessageID: b.ChannelMessageID, ReplyTo: b.ReplyTo}}
	}
	ids := make([]string, 0, len(parts))
	for _, f := range parts {
		if f.ChannelMessageID != "" {
			ids = append(ids, f.ChannelMessageID)
		}
	}
	known, err := in.Persister.KnownChannelIDs(ctx, res.ThreadKey(), ids)
	if err != nil {
		return err
	}
	fresh := parts[:0:0]
	for _, f := range parts {
		if f.ChannelMessageID == "" || !known[f.ChannelMessageID] {
			fresh = append(fresh, f)
		}
	}
	if len(fresh) == 0 {
		in.log.Debug().Str("external_id", id.ExternalID).Int("fragments", len(parts)).Msg("debounce batch already stored")
		return nil
	}

	texts := make([]string, 0, len(fresh))
	var aliases []string
	for i, f := range fresh {
		texts = append(texts, f.Text)
		if i > 0 && f.ChannelMessageID != "" {
			aliases = append(aliases, f.ChannelMessageID)
		}
	}
	_, _, err = in.Persister.Persist(ctx, services.NewMessage{
		ThreadKey:        res.ThreadKey(),
		OrderID:          res.Order.ID,
		ContactID:        res.Contact.ID,
		Author:           domain.AuthorClient,
		Kind:             domain.KindText,
		Content:          strings.Join(texts, "\n"),
		ChannelMessageID: fresh[0].ChannelMessageID,
		ReplyTo:          fresh[0].ReplyTo,
		AliasChannelIDs:  aliases,
	})
	return err
}

// NotifyFailure tells the sender a flushed batch was not stored.
func (in *Ingestor) NotifyFailure(b debounce.Batch, cause error) {
	id, ok := b.Meta.(services.Identity)
	if !ok || in.Replier == nil || in.FailureNotice == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if _, err := in.Replier.SendText(ctx, id.ChatID, in.FailureNotice, b.ChannelMessageID); err != nil {
		in.log.Warn().Err(err).AnErr("cause", cause).Str("external_id", id.ExternalID).Msg("failure notice not sent")
	}
}

// AttachBuffer wires a debounce buffer whose flushes run this pipeline.
func (in *Ingestor) AttachBuffer(b *debounce.Buffer) {
	b.OnError = in.NotifyFailure
	in.Buffer = b
}
