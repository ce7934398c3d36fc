package realtime

import (
	"encoding/json"
	"strings"
)

// Scope names the kind of key a room is addressed by.
type Scope string

const (
	ScopeOrder   Scope = "order"
	ScopeContact Scope = "contact"
	ScopeThread  Scope = "thread"
	// ScopeLead is an alias of ScopeThread used by the leads board.
	ScopeLead Scope = "lead"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeOrder, ScopeContact, ScopeThread, ScopeLead:
		return true
	}
	return false
}

// Room is a broadcast target.
type Room struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

// Event names.
const (
	EventMessageUpdated = "message_updated"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventError          = "error"
)

// NewMessageEvent returns the new-message event name for scope,
// e.g. "new_order_message".
func NewMessageEvent(s Scope) string { return "new_" + string(s) + "_message" }

// UpdatedEvent returns the entity-updated event name for scope,
// e.g. "order_updated".
func UpdatedEvent(s Scope) string { return string(s) + "_updated" }

// Event is a server frame: {"event": "...", "data": ...}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Frame is a client frame. Data carries the room id for join and leave.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseCommand decodes a client frame into a join or leave request.
// ok is false for unknown events or an empty id.
func ParseCommand(f Frame) (join bool, room Room, ok bool) {
	var verb, scope string
	switch {
	case strings.HasPrefix(f.Event, "join_"):
		verb, scope = "join", strings.TrimPrefix(f.Event, "join_")
	case strings.HasPrefix(f.Event, "leave_"):
		verb, scope = "leave", strings.TrimPrefix(f.Event, "leave_")
	default:
		return false, Room{}, false
	}
	s := Scope(scope)
	if !s.Valid() {
		return false, Room{}, false
	}

	// Ids arrive as strings or as JSON numbers (thread keys).
	var id string
	if err := json.Unmarshal(f.Data, &id); err != nil {
		var n json.Number
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return false, Room{}, false
		}
		id = n.String()
	}
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 64 {
		return false, Room{}, false
	}
	return verb == "join", Room{Scope: s, ID: id}, true
}
