// Package domain defines the persistence models for contacts, conversation
// threads (orders), and messages. These types are mapped with GORM and form
// the core data layer of the message synchronization service.
package domain

import (
	"time"
)

// Channel identifiers.
const (
	ChannelTelegram = "telegram"
)

// Contact statuses.
const (
	ContactActive  = "active"
	ContactBlocked = "blocked"
)

// AuthorKind enumerates who wrote a message.
type AuthorKind string

const (
	AuthorClient   AuthorKind = "client"
	AuthorOperator AuthorKind = "operator"
	AuthorBot      AuthorKind = "bot"
	AuthorSystem   AuthorKind = "system"
)

// Valid reports whether k is a known author kind.
func (k AuthorKind) Valid() bool {
	switch k {
	case AuthorClient, AuthorOperator, AuthorBot, AuthorSystem:
		return true
	}
	return false
}

// MessageKind enumerates message payload types.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
	KindVideo MessageKind = "video"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindImage, KindFile, KindVideo:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of a conversation thread.
type OrderStatus string

const (
	StatusUnsorted        OrderStatus = "unsorted"
	StatusNew             OrderStatus = "new"
	StatusInProgress      OrderStatus = "in_progress"
	StatusAwaitingPayment OrderStatus = "awaiting_payment"
	StatusShipped         OrderStatus = "shipped"
	StatusCompleted       OrderStatus = "completed"
	StatusCancelled       OrderStatus = "cancelled"
	StatusArchived        OrderStatus = "archived"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusUnsorted, StatusNew, StatusInProgress, StatusAwaitingPayment,
		StatusShipped, StatusCompleted, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether no new inbound message may attach to a thread in
// status s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Contact is a person reachable through a messaging channel. ExternalID is
// the channel-native user id and is unique.
type Contact struct {
	ID            string    `json:"id"              gorm:"type:char(36);primaryKey"`
	Channel       string    `json:"channel"         gorm:"type:varchar(16);not null;default:'telegram'"`
	ExternalID    string    `json:"external_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_contacts_external"`
	ChannelChatID int64     `json:"channel_chat_id" gorm:"not null;default:0"`
	DisplayName   string    `json:"display_name"    gorm:"type:varchar(255);not null"`
	Status        string    `json:"status"          gorm:"type:varchar(16);not null;default:'active'"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string { return "contacts" }

// Order is a conversation thread owned by a contact. MainID is the thread
// key that correlates inbound and outbound messages.
//
// ActiveSlot holds the contact id while the status is non-terminal and NULL
// otherwise; its unique index allows at most one active thread per contact.
type Order struct {
	ID         string      `json:"id"         gorm:"type:char(36);primaryKey"`
	ContactID  string      `json:"contact_id" gorm:"type:char(36);not null;index:idx_contact_orders,priority:1"`
	MainID     int64       `json:"main_id,string" gorm:"not null;uniqueIndex:ux_orders_main_id"`
	Status     OrderStatus `json:"status"     gorm:"type:varchar(32);not null;default:'unsorted'"`
	ActiveSlot *string     `json:"-"          gorm:"type:char(36);uniqueIndex:ux_orders_active_slot"`
	CreatedAt  time.Time   `json:"created_at" gorm:"index:idx_contact_orders,priority:2"`
	UpdatedAt  time.Time   `json:"updated_at"`

	Contact Contact `json:"-" gorm:"foreignKey:ContactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// Message is an append-only record in a thread. Only Reaction is ever
// updated after insert.
//
// (ThreadKey, ChannelMessageID) is unique so that a redelivered channel event
// cannot create a second row.
type Message struct {
	ID                      string      `json:"id"                                    gorm:"type:char(36);primaryKey"`
	ThreadKey               int64       `json:"thread_key,string"                     gorm:"not null;uniqueIndex:ux_messages_thread_channel_msg,priority:1;index:idx_thread_msgs,priority:1"`
	AuthorKind              AuthorKind  `json:"author_kind"                           gorm:"type:varchar(16);not null;check:author_kind IN ('client','operator','bot','system')"`
	Content                 *string     `json:"content"                               gorm:"type:text"`
	Kind                    MessageKind `json:"kind"                                  gorm:"type:varchar(16);not null;default:'text'"`
	ChannelMessageID        *string     `json:"channel_message_id,omitempty"          gorm:"type:varchar(64);uniqueIndex:ux_messages_thread_channel_msg,priority:2"`
	AttachmentURL           *string     `json:"attachment_url"                        gorm:"type:text"`
	ReplyToChannelMessageID *string     `json:"reply_to_channel_message_id,omitempty" gorm:"type:varchar(64)"`
	ClientMessageID         *string     `json:"client_message_id,omitempty"           gorm:"type:varchar(64);index"`
	Reaction                string      `json:"reaction,omitempty"                    gorm:"type:varchar(32);not null;default:''"`
	CreatedAt               time.Time   `json:"created_at"                            gorm:"index:idx_thread_msgs,priority:2"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Text returns the message content or "" when it has none.
func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	return *m.Content
}

// MessageLink associates a message with the order and contact that own it.
// It is written in the same transaction as the message.
type MessageLink struct {
	MessageID string    `json:"message_id" gorm:"type:char(36);primaryKey"`
	OrderID   string    `json:"order_id"   gorm:"type:char(36);not null;index"`
	ContactID string    `json:"contact_id" gorm:"type:char(36);not null;index"`
	CreatedAt time.Time `json:"created_at"`

	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for MessageLink.
func (MessageLink) TableName() string { return "message_links" }

// MessageAlias records a further channel message id absorbed into a stored
// message, such as the later fragments of a coalesced batch.
type MessageAlias struct {
	ThreadKey        int64     `json:"thread_key,string"  gorm:"primaryKey;autoIncrement:false"`
	ChannelMessageID string    `json:"channel_message_id" gorm:"type:varchar(64);primaryKey"`
	MessageID        string    `json:"message_id"         gorm:"type:char(36);not null;index"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName returns the database table name for MessageAlias.
func (MessageAlias) TableName() string { return "message_aliases" }

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
