package ingest

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/relay"
	"github.com/tbourn/crm-sync/internal/services"
)

// Kind classifies an inbound update.
type Kind string

const (
	KindIgnored Kind = "ignored"
	KindCommand Kind = "command"
	KindText    Kind = "text"
	KindVoice   Kind = "voice"
	KindImage   Kind = "image"
	KindFile    Kind = "file"
	KindVideo   Kind = "video"
)

// MessageKind maps an event kind to the stored message kind.
func (k Kind) MessageKind() domain.MessageKind {
	switch k {
	case KindVoice:
		return domain.KindVoice
	case KindImage:
		return domain.KindImage
	case KindFile:
		return domain.KindFile
	case KindVideo:
		return domain.KindVideo
	}
	return domain.KindText
}

// Event is the channel-independent view of one update.
type Event struct {
	UpdateID int
	Kind     Kind

	Identity         services.Identity
	ChannelMessageID string
	ReplyTo          string

	// Text is the normalized text or caption.
	Text string
	// Command is the lowercased command name without the slash or bot suffix.
	Command string
	Media   *relay.Ref
}

// Classify turns a Telegram update into an Event. Edited messages, channel
// posts and updates without a sender are KindIgnored.
func Classify(upd tgbotapi.Update) Event {
	ev := Event{UpdateID: upd.UpdateID, Kind: KindIgnored}
	m := upd.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return ev
	}

	ev.Identity = services.Identity{
		Channel:     domain.ChannelTelegram,
		ExternalID:  strconv.FormatInt(m.From.ID, 10),
		ChatID:      m.Chat.ID,
		DisplayName: senderName(m.From),
	}
	ev.ChannelMessageID = strconv.Itoa(m.MessageID)
	if m.ReplyToMessage != nil {
		ev.ReplyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	switch {
	case m.Voice != nil:
		ev.Kind = KindVoice
		ev.Media = &relay.Ref{FileID: m.Voice.FileID, MimeHint: m.Voice.MimeType}
	case len(m.Photo) > 0:
		ev.Kind = KindImage
		ev.Media = &relay.Ref{FileID: largestPhoto(m.Photo).FileID, MimeHint: "image/jpeg"}
	case m.Video != nil:
		ev.Kind = KindVideo
		ev.Media = &relay.Ref{FileID: m.Video.FileID, MimeHint: m.Video.MimeType}
	case m.VideoNote != nil:
		ev.Kind = KindVideo
		ev.Media = &relay.Ref{FileID: m.VideoNote.FileID, MimeHint: "video/mp4"}
	case m.Audio != nil:
		ev.Kind = KindFile
		ev.Media = &relay.Ref{FileID: m.Audio.FileID, MimeHint: m.Audio.MimeType}
	case m.Document != nil:
		ev.Kind = KindFile
		ev.Media = &relay.Ref{FileID: m.Document.FileID, MimeHint: m.Document.MimeType, FileName: m.Document.FileName}
	default:
		ev.Text = Normalize(m.Text)
		if strings.HasPrefix(ev.Text, "/") {
			ev.Kind = KindCommand
			ev.Command = commandName(ev.Text)
		} else {
			ev.Kind = KindText
		}
		return ev
	}
	ev.Text = Normalize(m.Caption)
	return ev
}

// Normalize converts line endings to LF, applies Unicode NFC and trims.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(norm.NFC.String(s))
}

func commandName(text string) string {
	cmd := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func senderName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.UserName != "" {
		name = "@" + u.UserName
	}
	return name
}

func largestPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, p := range items[1:] {
		if p.FileSize > best.FileSize || p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}
