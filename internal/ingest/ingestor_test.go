package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/crm-sync/internal/debounce"
	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/relay"
	"github.com/tbourn/crm-sync/internal/repo"
	"github.com/tbourn/crm-sync/internal/services"
)

// ---- stubs ----

type keySeq struct {
	mu sync.Mutex
	n  int64
}

func (k *keySeq) Next() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.n++
	return 5000 + k.n
}

type stubRelay struct {
	url   string
	err   error
	calls int
}

func (r *stubRelay) Relay(_ context.Context, _ relay.Ref, threadKey int64) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("%s/%d", r.url, threadKey), nil
}

type sentReply struct {
	chatID  int64
	text    string
	replyTo string
}

type stubReplier struct {
	mu   sync.Mutex
	sent []sentReply
}

func (r *stubReplier) SendText(_ context.Context, chatID int64, text, replyTo string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentReply{chatID, text, replyTo})
	return "1", nil
}

func (r *stubReplier) all() []sentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentReply(nil), r.sent...)
}

type countingBroadcaster struct {
	mu      sync.Mutex
	created []*domain.Message
	ch      chan *domain.Message
}

func (b *countingBroadcaster) PublishMessage(_, _ string, m *domain.Message) {
	b.mu.Lock()
	b.created = append(b.created, m)
	b.mu.Unlock()
	select {
	case b.ch <- m:
	default:
	}
}
func (b *countingBroadcaster) PublishMessageUpdated(string, string, *domain.Message) {}
func (b *countingBroadcaster) PublishOrderUpdated(*domain.Order)                     {}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, services.Identity) (*services.Resolution, error) {
	return nil, services.ErrResolveFailed
}

// ---- harness ----

type pipeline struct {
	in      *Ingestor
	db      *gorm.DB
	relay   *stubRelay
	replier *stubReplier
	bc      *countingBroadcaster
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	p := &pipeline{
		db:      db,
		relay:   &stubRelay{url: "https://cdn.example"},
		replier: &stubReplier{},
		bc:      &countingBroadcaster{ch: make(chan *domain.Message, 8)},
	}
	p.in = New(
		services.NewResolver(db, nil, &keySeq{}, 10),
		p.relay,
		services.NewPersister(db, p.bc),
		p.replier,
		NewLRUSeen(100, time.Hour),
	)
	return p
}

func (p *pipeline) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	if err := p.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (p *pipeline) messages(t *testing.T) []domain.Message {
	t.Helper()
	var out []domain.Message
	if err := p.db.Order("created_at ASC").Find(&out).Error; err != nil {
		t.Fatalf("list: %v", err)
	}
	return out
}

func textUpdate(updateID, msgID int, from int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			MessageID: msgID,
			From:      &tgbotapi.User{ID: from, FirstName: "Test"},
			Chat:      &tgbotapi.Chat{ID: from},
			Text:      text,
		},
	}
}

func voiceUpdate(updateID, msgID int, from int64, caption string) tgbotapi.Update {
	u := textUpdate(updateID, msgID, from, "")
	u.Message.Voice = &tgbotapi.Voice{FileID: "VOICE", MimeType: "audio/ogg"}
	u.Message.Caption = caption
	return u
}

// ---- scenarios ----

func TestIngest_StartCommandRepliesWithoutSideEffects(t *testing.T) {
	p := newPipeline(t)
	if err := p.in.Ingest(context.Background(), textUpdate(1, 1, 12345, "/start")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	sent := p.replier.all()
	if len(sent) != 1 || sent[0].text != DefaultGreeting || sent[0].chatID != 12345 {
		t.Fatalf("replies = %+v", sent)
	}
	for _, m := range []any{&domain.Contact{}, &domain.Order{}, &domain.Message{}} {
		if n := p.count(t, m); n != 0 {
			t.Fatalf("%T rows = %d; want 0", m, n)
		}
	}
}

func TestIngest_UnknownCommand(t *testing.T) {
	p := newPipeline(t)
	if err := p.in.Ingest(context.Background(), textUpdate(1, 1, 7, "/help@crm_bot now")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sent := p.replier.all(); len(sent) != 1 || sent[0].text != DefaultUnknownCommand {
		t.Fatalf("replies = %+v", sent)
	}
	if n := p.count(t, &domain.Message{}); n != 0 {
		t.Fatalf("messages = %d", n)
	}
}

func TestIngest_RedeliveryPersistsOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.in.Ingest(ctx, textUpdate(10, 99, 1, "hi")); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	// Same message behind a new update id bypasses the seen-set.
	p.in.Seen = nil
	for i := 0; i < 3; i++ {
		if err := p.in.Ingest(ctx, textUpdate(20+i, 99, 1, "hi")); err != nil {
			t.Fatalf("Ingest redelivery %d: %v", i, err)
		}
	}

	if n := p.count(t, &domain.Message{}); n != 1 {
		t.Fatalf("messages = %d; want 1", n)
	}
	if len(p.bc.created) != 1 {
		t.Fatalf("broadcasts = %d; want 1", len(p.bc.created))
	}
}

func TestIngest_NewUserGetsOneContactAndThread(t *testing.T) {
	for _, upd := range []tgbotapi.Update{textUpdate(1, 1, 42, "hello"), voiceUpdate(1, 1, 42, "")} {
		p := newPipeline(t)
		if err := p.in.Ingest(context.Background(), upd); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if c, o := p.count(t, &domain.Contact{}), p.count(t, &domain.Order{}); c != 1 || o != 1 {
			t.Fatalf("contacts=%d orders=%d; want 1 and 1", c, o)
		}
	}
}

func TestIngest_EmptyTextIsNoop(t *testing.T) {
	p := newPipeline(t)
	if err := p.in.Ingest(context.Background(), textUpdate(1, 1, 1, "   ")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n := p.count(t, &domain.Contact{}); n != 0 {
		t.Fatalf("contacts = %d", n)
	}
}

func TestIngest_IgnoresEditsAndSenderless(t *testing.T) {
	p := newPipeline(t)
	edit := tgbotapi.Update{UpdateID: 1, EditedMessage: &tgbotapi.Message{MessageID: 1, Text: "x"}}
	senderless := tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{MessageID: 2, Chat: &tgbotapi.Chat{ID: 1}, Text: "x"}}
	for _, u := range []tgbotapi.Update{edit, senderless} {
		if err := p.in.Ingest(context.Background(), u); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if n := p.count(t, &domain.Message{}); n != 0 {
		t.Fatalf("messages = %d", n)
	}
}

func TestIngest_VoiceRelayed(t *testing.T) {
	p := newPipeline(t)
	if err := p.in.Ingest(context.Background(), voiceUpdate(1, 5, 3, "")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	msgs := p.messages(t)
	if len(msgs) != 1 || msgs[0].Kind != domain.KindVoice || msgs[0].AttachmentURL == nil {
		t.Fatalf("messages = %+v", msgs)
	}
	if want := fmt.Sprintf("https://cdn.example/%d", msgs[0].ThreadKey); *msgs[0].AttachmentURL != want {
		t.Fatalf("url = %q; want %q", *msgs[0].AttachmentURL, want)
	}
	if msgs[0].Content != nil {
		t.Fatalf("content = %q; want nil", *msgs[0].Content)
	}
}

func TestIngest_RelayFailureStillPersists(t *testing.T) {
	p := newPipeline(t)
	p.relay.err = errors.New("file expired")

	if err := p.in.Ingest(context.Background(), voiceUpdate(1, 5, 3, "")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := p.in.Ingest(context.Background(), voiceUpdate(2, 6, 3, "listen to this")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	msgs := p.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	for _, m := range msgs {
		if m.AttachmentURL != nil || m.Text() == "" {
			t.Fatalf("degraded message = %+v", m)
		}
	}
	if msgs[0].Text() != "[voice attachment unavailable]" || msgs[1].Text() != "listen to this\n[voice attachment unavailable]" {
		t.Fatalf("contents = %q, %q", msgs[0].Text(), msgs[1].Text())
	}
}

func TestIngest_ResolveFailureIsReturnedAndNotMarkedSeen(t *testing.T) {
	p := newPipeline(t)
	p.in.Resolver = failingResolver{}

	upd := textUpdate(77, 1, 1, "hi")
	if err := p.in.Ingest(context.Background(), upd); !errors.Is(err, services.ErrResolveFailed) {
		t.Fatalf("expected ErrResolveFailed, got %v", err)
	}
	if seen, _ := p.in.Seen.Seen(context.Background(), "77"); seen {
		t.Fatalf("failed update must stay redeliverable")
	}
}

func TestIngest_DebounceHelloWorld(t *testing.T) {
	p := newPipeline(t)
	buf := debounce.New(nil, 80*time.Millisecond, p.in.FlushBatch)
	defer buf.Close()
	p.in.AttachBuffer(buf)
	ctx := context.Background()

	if err := p.in.Ingest(ctx, textUpdate(1, 1, 67890, "Hello")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := p.in.Ingest(ctx, textUpdate(2, 2, 67890, "World")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n := p.count(t, &domain.Message{}); n != 0 {
		t.Fatalf("persisted before the window elapsed: %d", n)
	}

	select {
	case m := <-p.bc.ch:
		if m.Text() != "Hello\nWorld" || *m.ChannelMessageID != "1" {
			t.Fatalf("flushed = %q (%v)", m.Text(), m.ChannelMessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no broadcast after debounce window")
	}
	if n := p.count(t, &domain.Message{}); n != 1 {
		t.Fatalf("messages = %d; want 1", n)
	}
}

func TestIngest_RedeliveredFragmentAfterSeenLoss(t *testing.T) {
	p := newPipeline(t)
	buf := debounce.New(nil, 80*time.Millisecond, p.in.FlushBatch)
	defer buf.Close()
	p.in.AttachBuffer(buf)
	ctx := context.Background()

	wait := func() *domain.Message {
		select {
		case m := <-p.bc.ch:
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("no flush")
			return nil
		}
	}
	_ = p.in.Ingest(ctx, textUpdate(1, 1, 8, "Hello"))
	_ = p.in.Ingest(ctx, textUpdate(2, 2, 8, "World"))
	if m := wait(); m.Text() != "Hello\nWorld" {
		t.Fatalf("first batch = %q", m.Text())
	}

	// A restart empties the seen-set; the channel redelivers the second
	// fragment alongside a new one.
	p.in.Seen = NewLRUSeen(100, time.Hour)
	_ = p.in.Ingest(ctx, textUpdate(2, 2, 8, "World"))
	_ = p.in.Ingest(ctx, textUpdate(3, 3, 8, "again"))
	if m := wait(); m.Text() != "again" || *m.ChannelMessageID != "3" {
		t.Fatalf("second batch = %q (%v)", m.Text(), m.ChannelMessageID)
	}

	// The redelivered fragment alone stores nothing.
	p.in.Seen = NewLRUSeen(100, time.Hour)
	_ = p.in.Ingest(ctx, textUpdate(2, 2, 8, "World"))
	buf.Close()
	if n := p.count(t, &domain.Message{}); n != 2 {
		t.Fatalf("messages = %d; want 2", n)
	}
}

func TestIngest_ClosedBufferRefusesText(t *testing.T) {
	p := newPipeline(t)
	buf := debounce.New(nil, time.Hour, p.in.FlushBatch)
	p.in.AttachBuffer(buf)
	buf.Close()

	err := p.in.Ingest(context.Background(), textUpdate(40, 4, 9, "late"))
	if !errors.Is(err, debounce.ErrClosed) {
		t.Fatalf("Ingest = %v; want ErrClosed", err)
	}
	if seen, _ := p.in.Seen.Seen(context.Background(), "40"); seen {
		t.Fatalf("refused update must stay redeliverable")
	}
}

func TestIngest_DebounceSeparateWindows(t *testing.T) {
	p := newPipeline(t)
	buf := debounce.New(nil, 30*time.Millisecond, p.in.FlushBatch)
	defer buf.Close()
	p.in.AttachBuffer(buf)
	ctx := context.Background()

	wait := func() *domain.Message {
		select {
		case m := <-p.bc.ch:
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("no flush")
			return nil
		}
	}
	_ = p.in.Ingest(ctx, textUpdate(1, 1, 5, "a"))
	first := wait()
	_ = p.in.Ingest(ctx, textUpdate(2, 2, 5, "b"))
	second := wait()

	if first.Text() != "a" || second.Text() != "b" || first.ThreadKey != second.ThreadKey {
		t.Fatalf("flushes = %q / %q", first.Text(), second.Text())
	}
}

func TestIngest_FlushFailureNotifiesSender(t *testing.T) {
	p := newPipeline(t)
	p.in.Resolver = failingResolver{}
	buf := debounce.New(nil, 20*time.Millisecond, p.in.FlushBatch)
	defer buf.Close()
	p.in.AttachBuffer(buf)

	if err := p.in.Ingest(context.Background(), textUpdate(1, 9, 31, "lost")); err != nil {
		t.Fatalf("Ingest must accept buffered text: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := p.replier.all(); len(sent) == 1 {
			if sent[0].text != DefaultFailureNotice || sent[0].chatID != 31 || sent[0].replyTo != "9" {
				t.Fatalf("notice = %+v", sent[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failure notice not sent")
}

func TestFlushBatch_RequiresIdentity(t *testing.T) {
	p := newPipeline(t)
	if err := p.in.FlushBatch(context.Background(), debounce.Batch{Text: "x"}); err == nil {
		t.Fatalf("expected error for batch without identity")
	}
}
