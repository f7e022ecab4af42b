// Package state holds the in-memory view of chats and typing activity for
// the active account; profiles are not cached here. All state lives behind a single
// mutex; callers must never block on storage or the MLS engine while
// holding it — acquire the lock only for the pure in-memory read/write,
// release it, then do the slower work.
package state

import (
	"sync"
	"time"
)

// Interner deduplicates repeated pubkey/id strings so long-lived in-memory
// structures (chat lists, typing maps) don't each hold their own copy of
// the same 64-character hex string.
type Interner struct {
	mu     sync.Mutex
	values map[string]string
}

// NewInterner returns an empty Interner.
func NewInterner() *Interner {
	return &Interner{values: make(map[string]string)}
}

// Intern returns the canonical copy of s, storing it on first sight.
func (in *Interner) Intern(s string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if v, ok := in.values[s]; ok {
		return v
	}
	in.values[s] = s
	return s
}

// ChatSummary is the in-memory projection of a chat used for sidebar-style
// listings without round-tripping to storage on every access.
type ChatSummary struct {
	ID            string
	LastMessageAt int64
	UnreadCount   int
}

// State is the single mutex-guarded in-memory store for the active
// account. Chats are referenced only by id — never by pointer — so the lock can be released and reacquired safely between a
// lookup and a mutation.
type State struct {
	mu sync.Mutex

	interner *Interner

	chats map[string]ChatSummary

	// typingUntil maps chatID -> pubkey -> expiry. A pubkey is actively
	// typing in a chat until time.Now() passes its recorded expiry.
	typingUntil map[string]map[string]time.Time
}

// New returns an empty State.
func New() *State {
	return &State{
		interner:    NewInterner(),
		chats:       make(map[string]ChatSummary),
		typingUntil: make(map[string]map[string]time.Time),
	}
}

// GetChat returns the cached summary for a chat id, if present.
func (s *State) GetChat(id string) (ChatSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	return c, ok
}

// UpsertChat inserts or replaces a chat summary.
func (s *State) UpsertChat(c ChatSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.interner.Intern(c.ID)
	s.chats[c.ID] = c
}

// TouchChatLastMessage bumps a cached chat's last-message timestamp if the
// new value is newer, keeping the in-memory view consistent with storage's
// own monotonic update rule.
func (s *State) TouchChatLastMessage(id string, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		c = ChatSummary{ID: s.interner.Intern(id)}
	}
	if at > c.LastMessageAt {
		c.LastMessageAt = at
	}
	s.chats[c.ID] = c
}

// ListChats returns a snapshot of all cached chat summaries.
func (s *State) ListChats() []ChatSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatSummary, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	return out
}

// SetTyping records that pubkey is typing in chatID until expiry.
func (s *State) SetTyping(chatID, pubkey string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatID = s.interner.Intern(chatID)
	pubkey = s.interner.Intern(pubkey)
	m, ok := s.typingUntil[chatID]
	if !ok {
		m = make(map[string]time.Time)
		s.typingUntil[chatID] = m
	}
	m[pubkey] = expiry
}

// ActiveTyping returns the pubkeys currently typing in a chat as of now,
// evicting any entries that have expired.
func (s *State) ActiveTyping(chatID string, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.typingUntil[chatID]
	if !ok {
		return nil
	}
	var active []string
	for pk, until := range m {
		if now.After(until) {
			delete(m, pk)
			continue
		}
		active = append(active, pk)
	}
	return active
}

// Interner exposes the shared string interner for callers that build chat
// or profile ids outside State itself.
func (s *State) Interner() *Interner {
	return s.interner
}
