// Package reconcile keeps an operator's local copy of a thread consistent
// while messages arrive from the initial fetch, realtime events and the
// response of the operator's own sends.
//
// The first server-confirmed copy of a message id wins. An optimistic entry
// added before a send completes is replaced in place by the confirmed
// message that carries the same client message id.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/crm-sync/internal/domain"
)

// TempPrefix marks ids of optimistic entries.
const TempPrefix = "tmp-"

// Entry is one displayed message.
type Entry struct {
	domain.Message
	// Pending is true until the server confirms the message.
	Pending bool
}

// View is a deduplicated, time-ordered message list for one thread.
// It is safe for concurrent use.
type View struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int
	// byClient maps client message ids of pending entries to their id.
	byClient map[string]string
}

// NewView returns an empty View.
func NewView() *View {
	return &View{byID: make(map[string]int), byClient: make(map[string]string)}
}

// AddOptimistic inserts a not-yet-confirmed message and returns its
// temporary id. A missing client message id is generated.
func (v *View) AddOptimistic(m domain.Message) (tempID, clientID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if m.ClientMessageID == nil || *m.ClientMessageID == "" {
		m.ClientMessageID = domain.StrPtr(uuid.NewString())
	}
	if m.ID == "" {
		m.ID = TempPrefix + uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, exists := v.byID[m.ID]; exists {
		return m.ID, *m.ClientMessageID
	}
	v.byID[m.ID] = len(v.entries)
	v.entries = append(v.entries, Entry{Message: m, Pending: true})
	v.byClient[*m.ClientMessageID] = m.ID
	return m.ID, *m.ClientMessageID
}

// Discard removes a pending entry whose send failed.
func (v *View) Discard(clientID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClient[clientID]
	if !ok {
		return false
	}
	delete(v.byClient, clientID)
	v.remove(id)
	return true
}

// Merge inserts confirmed messages and returns how many changed the view.
// Messages whose id is already present are ignored.
func (v *View) Merge(msgs ...domain.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, m := range msgs {
		if v.mergeOne(m) {
			n++
		}
	}
	return n
}

func (v *View) mergeOne(m domain.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, exists := v.byID[m.ID]; exists {
		return false
	}
	if m.ClientMessageID != nil {
		if tempID, ok := v.byClient[*m.ClientMessageID]; ok {
			i := v.byID[tempID]
			delete(v.byID, tempID)
			delete(v.byClient, *m.ClientMessageID)
			v.entries[i] = Entry{Message: m}
			v.byID[m.ID] = i
			return true
		}
	}
	v.byID[m.ID] = len(v.entries)
	v.entries = append(v.entries, Entry{Message: m})
	return true
}

// Apply replaces the mutable annotation fields of a known message.
func (v *View) Apply(updated domain.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.byID[updated.ID]
	if !ok {
		return false
	}
	e := &v.entries[i]
	e.Reaction = updated.Reaction
	if updated.UpdatedAt.After(e.UpdatedAt) {
		e.UpdatedAt = updated.UpdatedAt
	}
	return true
}

// Reset replaces the confirmed entries with batch, as after a reconnect.
// Pending entries not confirmed by batch are kept.
func (v *View) Reset(batch []domain.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pending := make([]Entry, 0, len(v.byClient))
	for _, e := range v.entries {
		if e.Pending {
			pending = append(pending, e)
		}
	}
	v.entries = v.entries[:0]
	v.byID = make(map[string]int, len(batch)+len(pending))
	v.byClient = make(map[string]string, len(pending))
	for _, e := range pending {
		v.byID[e.ID] = len(v.entries)
		v.entries = append(v.entries, e)
		v.byClient[*e.ClientMessageID] = e.ID
	}
	for _, m := range batch {
		v.mergeOne(m)
	}
}

// Len returns the number of entries.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Entries returns a copy of the entries sorted by creation time. Entries
// with equal timestamps keep arrival order.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	v.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Messages is Entries without the pending flag.
func (v *View) Messages() []domain.Message {
	entries := v.Entries()
	out := make([]domain.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Day is a calendar-day section.
type Day struct {
	Date    time.Time // midnight in the grouping location
	Entries []Entry
}

// Label formats the day for a section header.
func (d Day) Label() string { return d.Date.Format("Mon, 02 Jan 2006") }

// Days groups the sorted entries by calendar day in loc.
func (v *View) Days(loc *time.Location) []Day {
	if loc == nil {
		loc = time.Local
	}
	var days []Day
	for _, e := range v.Entries() {
		t := e.CreatedAt.In(loc)
		date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if n := len(days); n > 0 && days[n-1].Date.Equal(date) {
			days[n-1].Entries = append(days[n-1].Entries, e)
			continue
		}
		days = append(days, Day{Date: date, Entries: []Entry{e}})
	}
	return days
}

// remove must be called with v.mu held.
func (v *View) remove(id string) {
	i, ok := v.byID[id]
	if !ok {
		return
	}
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	delete(v.byID, id)
	for j := i; j < len(v.entries); j++ {
		v.byID[v.entries[j].ID] = j
	}
}
