// Package realtime fans persisted changes out to websocket sessions joined
// to rooms keyed by order id, contact id or thread key.
//
// Delivery is best-effort: nothing is persisted for absent sessions and a
// session whose queue is full misses the event. Clients re-fetch on
// reconnect.
package realtime

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/observability"
)

// Client is one subscriber registered with a Hub.
type Client struct {
	ID string

	send   chan Event
	rooms  map[Room]struct{}
	closed bool
}

// Events is closed when the client is unregistered.
func (c *Client) Events() <-chan Event { return c.send }

// Hub tracks room membership and publishes events.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[Room]map[*Client]struct{}
	clients map[*Client]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[Room]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a client with a queue of buffer events.
func (h *Hub) Register(buffer int) *Client {
	if buffer < 1 {
		buffer = 1
	}
	c := &Client{
		ID:    uuid.NewString(),
		send:  make(chan Event, buffer),
		rooms: make(map[Room]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.RealtimeSessions.Inc()
	return c
}

// Unregister removes c from every room and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for r := range c.rooms {
		h.leaveLocked(c, r)
	}
	delete(h.clients, c)
	c.closed = true
	close(c.send)
	observability.RealtimeSessions.Dec()
}

// Join subscribes c to room.
func (h *Hub) Join(c *Client, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Leave unsubscribes c from room.
func (h *Hub) Leave(c *Client, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room Room) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members reports how many clients have joined room.
func (h *Hub) Members(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish delivers ev to every client in room without blocking and returns
// the number of clients that received it.
func (h *Hub) Publish(room Room, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[room] {
		if h.offer(c, ev) {
			n++
		}
	}
	return n
}

// publishOnce delivers ev at most once per client across rooms.
func (h *Hub) publishOnce(rooms []Room, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Client]struct{})
	n := 0
	for _, r := range rooms {
		for c := range h.rooms[r] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if h.offer(c, ev) {
				n++
			}
		}
	}
	return n
}

// offer must be called with h.mu held.
func (h *Hub) offer(c *Client, ev Event) bool {
	select {
	case c.send <- ev:
		observability.BroadcastEvents.WithLabelValues("delivered").Inc()
		return true
	default:
		observability.BroadcastEvents.WithLabelValues("dropped").Inc()
		log.Warn().Str("client_id", c.ID).Str("event", ev.Name).Msg("realtime queue full, event dropped")
		return false
	}
}

// conversationRooms lists the rooms that address one conversation.
func conversationRooms(orderID, contactID string, threadKey int64) []Room {
	rooms := make([]Room, 0, 4)
	if orderID != "" {
		rooms = append(rooms, Room{Scope: ScopeOrder, ID: orderID})
	}
	if contactID != "" {
		rooms = append(rooms, Room{Scope: ScopeContact, ID: contactID})
	}
	if threadKey != 0 {
		key := strconv.FormatInt(threadKey, 10)
		rooms = append(rooms, Room{Scope: ScopeThread, ID: key}, Room{Scope: ScopeLead, ID: key})
	}
	return rooms
}

// PublishMessage emits new_<scope>_message to each room of the message's
// conversation.
func (h *Hub) PublishMessage(orderID, contactID string, msg *domain.Message) {
	for _, r := range conversationRooms(orderID, contactID, msg.ThreadKey) {
		h.Publish(r, Event{Name: NewMessageEvent(r.Scope), Data: msg})
	}
}

// PublishMessageUpdated emits message_updated once per joined client.
func (h *Hub) PublishMessageUpdated(orderID, contactID string, msg *domain.Message) {
	h.publishOnce(conversationRooms(orderID, contactID, msg.ThreadKey), Event{Name: EventMessageUpdated, Data: msg})
}

// PublishOrderUpdated emits <scope>_updated to each room of the order.
func (h *Hub) PublishOrderUpdated(order *domain.Order) {
	for _, r := range conversationRooms(order.ID, order.ContactID, order.MainID) {
		h.Publish(r, Event{Name: UpdatedEvent(r.Scope), Data: order})
	}
}

// Send queues ev for c alone. It reports false if c is gone or its queue
// is full.
func (h *Hub) Send(c *Client, ev Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	return h.offer(c, ev)
}
