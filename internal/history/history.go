// Package history records confirmed prompt sends.
package history

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// PreviewLength is the number of runes kept in Entry.Preview.
const PreviewLength = 60

// Status of a recorded send.
const (
	StatusSent      = "sent"
	StatusRecovered = "recovered"
)

// Entry is one confirmed send.
type Entry struct {
	ID           string    `json:"id" yaml:"id"`
	Preview      string    `json:"preview" yaml:"preview"`
	Text         string    `json:"text" yaml:"text"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Status       string    `json:"status" yaml:"status"`
	Conversation string    `json:"conversation,omitempty" yaml:"conversation,omitempty"`
	ItemType     string    `json:"item_type" yaml:"item_type"`
}

// NewEntry builds an entry for text sent at ts.
func NewEntry(text, status, conversation, itemType string, ts time.Time) Entry {
	return Entry{
		ID:           uuid.New().String(),
		Preview:      Truncate(text, PreviewLength),
		Text:         text,
		Timestamp:    ts,
		Status:       status,
		Conversation: conversation,
		ItemType:     itemType,
	}
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}

// Ring is a capped, oldest-first list of entries. Appending past the cap evicts the oldest.
type Ring struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
}

// NewRing creates a Ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{cap: capacity, entries: make([]Entry, 0, capacity)}
}

// Append adds e, evicting the oldest entry when full.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == r.cap {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:r.cap-1]
	}
	r.entries = append(r.entries, e)
}

// Entries returns a copy, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}

// RelativeTime renders t relative to now: "just now", "5m ago", "3h ago", "2d ago".
func RelativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
