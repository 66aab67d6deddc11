package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bodul/planchette/internal/api"
)

// Role of a log entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleSpirit Role = "spirit"
)

// Entry is one line of the session log.
type Entry struct {
	ID   string    `json:"id"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
	// Flagged marks spirit answers to questions the server flagged as a
	// crisis.
	Flagged bool `json:"flagged,omitempty"`
}

// Log holds the session's entries in memory, in append order.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append stores e and returns it with its ID and timestamp filled in.
func (l *Log) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	return e
}

// Entries returns a copy of all entries.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cp := make([]Entry, len(l.entries))
	copy(cp, l.entries)
	return cp
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// History converts the last limit entries not in skip into request turns.
// Spirit answers are sent with the assistant role.
func (l *Log) History(limit int, skip map[string]bool) []api.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var turns []api.Turn
	for _, e := range l.entries {
		if skip[e.ID] || e.Text == "" {
			continue
		}
		role := api.RoleAssistant
		if e.Role == RoleUser {
			role = api.RoleUser
		}
		turns = append(turns, api.Turn{Role: role, Content: e.Text})
	}
	if limit >= 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}
