package history

import (
	"sync"
	"time"

	"github.com/jpalmerr/tubelytics/internal/upstream"
)

// DefaultLimit is how many entries a session keeps.
const DefaultLimit = 10

// Entry is one search a session ran.
type Entry struct {
	Query string          `json:"query"`
	Items []upstream.Item `json:"items"`
	At    time.Time       `json:"at"`
}

// Store holds history by session id.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// Get returns the session's history, newest first. ok is false for an
	// unknown session.
	Get(session string) (entries []Entry, ok bool)

	// Set replaces the session's history.
	Set(session string, entries []Entry)
}

// Prepend returns history with e in front, keeping at most limit entries.
// A limit below 1 selects [DefaultLimit]. history is not modified.
func Prepend(history []Entry, e Entry, limit int) []Entry {
	if limit < 1 {
		limit = DefaultLimit
	}
	out := make([]Entry, 0, min(len(history)+1, limit))
	out = append(out, e)
	for _, h := range history {
		if len(out) == limit {
			break
		}
		out = append(out, h)
	}
	return out
}

// MemoryStore is an in-memory implementation of [Store].
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Entry
}

// NewMemoryStore creates a new in-memory [Store].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Entry)}
}

// Get implements [Store]. The returned slice is a copy.
func (m *MemoryStore) Get(session string) ([]Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.sessions[session]
	if !ok {
		return nil, false
	}
	return append([]Entry(nil), entries...), true
}

// Set implements [Store].
func (m *MemoryStore) Set(session string, entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session] = append([]Entry(nil), entries...)
}

// Add records e as the session's newest entry under the store lock and
// returns the updated history.
func (m *MemoryStore) Add(session string, e Entry, limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := Prepend(m.sessions[session], e, limit)
	m.sessions[session] = updated
	return append([]Entry(nil), updated...)
}

// Len returns the number of sessions with history.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
