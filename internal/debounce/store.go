package debounce

import "sync"

// Entry is the pending state of one debounce episode.
type Entry struct {
	Key       string
	Fragments []Fragment
	// Gen identifies the timer allowed to flush this entry.
	Gen  uint64
	stop func() bool
}

func (e *Entry) hasChannelID(id string) bool {
	if id == "" {
		return false
	}
	for _, f := range e.Fragments {
		if f.ChannelMessageID == id {
			return true
		}
	}
	return false
}

// Store holds debounce entries keyed by sender. Implementations must run fn
// and Take atomically with respect to each other for a key.
type Store interface {
	// Update calls fn with the entry for key, creating an empty one first.
	// An entry still empty after fn is not kept.
	Update(key string, fn func(e *Entry))
	// Take removes and returns the entry for key when its generation is gen.
	Take(key string, gen uint64) (*Entry, bool)
	// Drain removes and returns every entry.
	Drain() []*Entry
	// Len reports the number of pending entries.
	Len() int
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Update(key string, fn func(e *Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Key: key}
	}
	fn(e)
	if len(e.Fragments) == 0 {
		delete(s.entries, key)
		return
	}
	s.entries[key] = e
}

func (s *MemoryStore) Take(key string, gen uint64) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Gen != gen {
		return nil, false
	}
	delete(s.entries, key)
	return e, true
}

func (s *MemoryStore) Drain() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, e)
		delete(s.entries, k)
	}
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
