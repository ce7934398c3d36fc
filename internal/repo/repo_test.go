package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/crm-sync/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedContact(t *testing.T, db *gorm.DB, ext string) *domain.Contact {
	t.Helper()
	c, err := EnsureContact(context.Background(), db, domain.Contact{ExternalID: ext, DisplayName: "User " + ext})
	if err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}
	return c
}

// ---- contacts ----

func TestEnsureContact_IdempotentPerExternalID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, err := EnsureContact(ctx, db, domain.Contact{ExternalID: "100", DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := EnsureContact(ctx, db, domain.Contact{ExternalID: "100", DisplayName: "Other"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a.ID != b.ID || b.DisplayName != "Ann" {
		t.Fatalf("expected the original contact back, got %+v vs %+v", a, b)
	}
	if a.Status != domain.ContactActive || a.Channel != domain.ChannelTelegram {
		t.Fatalf("defaults not applied: %+v", a)
	}

	var n int64
	db.Model(&domain.Contact{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected 1 contact, got %d", n)
	}
}

func TestGetContact_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetContact(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---- orders ----

func TestInsertActiveOrder_OneActivePerContact(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := seedContact(t, db, "1")

	o, inserted, err := InsertActiveOrder(ctx, db, c.ID, 1001, domain.StatusUnsorted)
	if err != nil || !inserted || o == nil {
		t.Fatalf("first insert: o=%v inserted=%v err=%v", o, inserted, err)
	}
	o2, inserted2, err := InsertActiveOrder(ctx, db, c.ID, 1002, domain.StatusUnsorted)
	if err != nil || inserted2 || o2 != nil {
		t.Fatalf("second active order must be a no-op: o=%v inserted=%v err=%v", o2, inserted2, err)
	}

	active, err := ActiveOrder(ctx, db, c.ID)
	if err != nil || active.ID != o.ID {
		t.Fatalf("ActiveOrder = %+v err=%v", active, err)
	}

	if _, _, err := InsertActiveOrder(ctx, db, c.ID, 1003, domain.StatusCompleted); err == nil {
		t.Fatalf("terminal status must be rejected")
	}
}

func TestUpdateOrderStatus_FreesAndReclaimsSlot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := seedContact(t, db, "2")
	o, _, _ := InsertActiveOrder(ctx, db, c.ID, 2001, domain.StatusUnsorted)

	if err := UpdateOrderStatus(ctx, db, o.ID, domain.StatusCompleted, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := ActiveOrder(ctx, db, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("slot should be free after terminal status, got %v", err)
	}

	o2, inserted, err := InsertActiveOrder(ctx, db, c.ID, 2002, domain.StatusUnsorted)
	if err != nil || !inserted {
		t.Fatalf("new active order after close: inserted=%v err=%v", inserted, err)
	}

	// Reopening the first order now collides with o2.
	slot := c.ID
	if err := UpdateOrderStatus(ctx, db, o.ID, domain.StatusNew, &slot); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on reopen, got %v", err)
	}
	if err := UpdateOrderStatus(ctx, db, "missing", domain.StatusNew, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := GetOrderByThreadKey(ctx, db, 2002)
	if err != nil || got.ID != o2.ID {
		t.Fatalf("GetOrderByThreadKey = %+v err=%v", got, err)
	}
}

func TestRecentOrders_AndPaging(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := seedContact(t, db, "3")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		o := &domain.Order{
			ID: uuid.NewString(), ContactID: c.ID, MainID: int64(3000 + i),
			Status: domain.StatusArchived, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(o).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}

	recent, err := RecentOrders(ctx, db, c.ID, 3)
	if err != nil || len(recent) != 3 {
		t.Fatalf("RecentOrders len=%d err=%v", len(recent), err)
	}
	if recent[0].MainID != 3004 || recent[2].MainID != 3002 {
		t.Fatalf("expected newest first, got %d..%d", recent[0].MainID, recent[2].MainID)
	}

	n, err := CountOrders(ctx, db, c.ID)
	if err != nil || n != 5 {
		t.Fatalf("CountOrders = %d err=%v", n, err)
	}
	page, err := ListOrdersPage(ctx, db, c.ID, 4, 10)
	if err != nil || len(page) != 1 || page[0].MainID != 3000 {
		t.Fatalf("ListOrdersPage tail = %+v err=%v", page, err)
	}
}

// ---- messages ----

func newMsg(thread int64, ch string, at time.Time) *domain.Message {
	return &domain.Message{
		ID: uuid.NewString(), ThreadKey: thread, AuthorKind: domain.AuthorClient,
		Kind: domain.KindText, Content: domain.StrPtr("hi"), ChannelMessageID: domain.StrPtr(ch),
		CreatedAt: at, UpdatedAt: at,
	}
}

func TestInsertMessage_DuplicateChannelIDIsNoop(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := newMsg(1, "55", now)
	inserted, err := InsertMessage(ctx, db, first)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	for i := 0; i < 3; i++ {
		inserted, err = InsertMessage(ctx, db, newMsg(1, "55", now))
		if err != nil || inserted {
			t.Fatalf("redelivery %d must be a no-op: inserted=%v err=%v", i, inserted, err)
		}
	}
	got, err := GetMessageByChannelID(ctx, db, 1, "55")
	if err != nil || got.ID != first.ID {
		t.Fatalf("GetMessageByChannelID = %+v err=%v", got, err)
	}
	n, _ := CountThreadMessages(ctx, db, 1)
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	// No channel id: every insert lands.
	for i := 0; i < 2; i++ {
		m := newMsg(1, "", now)
		if inserted, err := InsertMessage(ctx, db, m); err != nil || !inserted {
			t.Fatalf("nil channel id insert: inserted=%v err=%v", inserted, err)
		}
	}
	n, _ = CountThreadMessages(ctx, db, 1)
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}

func TestMessageAliases_KnownChannelIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := newMsg(1, "10", now)
	if _, err := InsertMessage(ctx, db, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := InsertMessageAliases(ctx, db, 1, m.ID, []string{"11", "", "12"}); err != nil {
		t.Fatalf("InsertMessageAliases: %v", err)
	}
	// Re-recording is a no-op.
	if err := InsertMessageAliases(ctx, db, 1, m.ID, []string{"11"}); err != nil {
		t.Fatalf("InsertMessageAliases again: %v", err)
	}

	known, err := KnownChannelIDs(ctx, db, 1, []string{"10", "11", "12", "13"})
	if err != nil {
		t.Fatalf("KnownChannelIDs: %v", err)
	}
	if !known["10"] || !known["11"] || !known["12"] || known["13"] {
		t.Fatalf("known = %v", known)
	}
	// Aliases are per thread.
	other, err := KnownChannelIDs(ctx, db, 2, []string{"10", "11"})
	if err != nil || len(other) != 0 {
		t.Fatalf("other thread known = %v err=%v", other, err)
	}
}

func TestMessageLink_AndListing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	c := seedContact(t, db, "4")
	o, _, _ := InsertActiveOrder(ctx, db, c.ID, 4001, domain.StatusUnsorted)

	base := time.Now().UTC()
	ids := make([]string, 0, 3)
	for i := 2; i >= 0; i-- {
		m := newMsg(4001, fmt.Sprint(i), base.Add(time.Duration(i)*time.Second))
		if _, err := InsertMessage(ctx, db, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := CreateMessageLink(ctx, db, m.ID, o.ID, c.ID); err != nil {
			t.Fatalf("link: %v", err)
		}
		ids = append(ids, m.ID)
	}

	page, err := ListThreadMessagesPage(ctx, db, 4001, 0, 10)
	if err != nil || len(page) != 3 {
		t.Fatalf("list len=%d err=%v", len(page), err)
	}
	if !page[0].CreatedAt.Before(page[2].CreatedAt) {
		t.Fatalf("expected ascending created_at")
	}

	link, err := GetMessageLink(ctx, db, ids[0])
	if err != nil || link.OrderID != o.ID || link.ContactID != c.ID {
		t.Fatalf("GetMessageLink = %+v err=%v", link, err)
	}
}

func TestSetReaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	m := newMsg(9, "1", time.Now().UTC())
	if _, err := InsertMessage(ctx, db, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := SetReaction(ctx, db, m.ID, "👍"); err != nil {
		t.Fatalf("SetReaction: %v", err)
	}
	got, _ := GetMessage(ctx, db, m.ID)
	if got.Reaction != "👍" {
		t.Fatalf("reaction = %q", got.Reaction)
	}
	if err := SetReaction(ctx, db, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---- idempotency ----

func TestIdempotency_CreateGetDuplicateExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := GetIdempotency(ctx, db, "op", 0, "k", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("zero thread key should be ErrNotFound, got %v", err)
	}

	rec, err := CreateIdempotency(ctx, db, "op", 10, "k1", "m1", 200, time.Hour)
	if err != nil || rec == nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "op", 10, "k1", "m2", 200, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetIdempotency(ctx, db, "op", 10, "k1", now)
	if err != nil || got.MessageID != "m1" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if _, err := GetIdempotency(ctx, db, "op", 10, "k1", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be ErrNotFound, got %v", err)
	}

	n, err := PurgeExpiredIdempotency(ctx, db, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge = %d err=%v", n, err)
	}
}

// ---- stats ----

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	n, ts, err := MessagesStats(ctx, db, 77)
	if err != nil || n != 0 || ts != nil {
		t.Fatalf("empty stats = %d %v %v", n, ts, err)
	}

	t1 := time.Now().UTC().Add(-time.Minute)
	t2 := t1.Add(30 * time.Second)
	for i, at := range []time.Time{t1, t2} {
		m := newMsg(77, fmt.Sprint(i), at)
		if err := db.Create(m).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	n, ts, err = MessagesStats(ctx, db, 77)
	if err != nil || n != 2 || ts == nil || ts.Sub(t2).Abs() > time.Millisecond {
		t.Fatalf("stats = %d %v %v; want 2 %v", n, ts, err, t2)
	}

	c := seedContact(t, db, "5")
	if _, _, err := InsertActiveOrder(ctx, db, c.ID, 5001, domain.StatusNew); err != nil {
		t.Fatalf("order: %v", err)
	}
	n, ts, err = OrdersStats(ctx, db, c.ID)
	if err != nil || n != 1 || ts == nil {
		t.Fatalf("orders stats = %d %v %v", n, ts, err)
	}
}

func TestIsDuplicate(t *testing.T) {
	cases := map[error]bool{
		nil:                   false,
		gorm.ErrDuplicatedKey: true,
		ErrDuplicate:          true,
		errors.New("UNIQUE constraint failed: contacts.external_id"):        true,
		errors.New("ERROR: duplicate key value violates unique constraint"): true,
		errors.New("Error 1062: Duplicate entry '1' for key"):               true,
		errors.New("connection refused"):                                    false,
	}
	for err, want := range cases {
		if got := IsDuplicate(err); got != want {
			t.Fatalf("IsDuplicate(%v) = %v; want %v", err, got, want)
		}
	}
}
