// Package memory keeps the recent question/answer history of each UI session.
//
// History is for display only. Prompts are always built from the current question
// and its grounding pages, so nothing here is fed back to the generator.
package memory

import (
	"sync"
	"time"

	"github.com/knoguchi/pagerag/internal/document"
)

// Entry is one answered (or unanswered) question.
type Entry struct {
	Question  string             `json:"question"`
	Answer    string             `json:"answer,omitempty"`
	Pages     []document.PageRef `json:"pages,omitempty"`
	NoResults bool               `json:"no_results,omitempty"`
	IndexName string             `json:"index_name,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// History holds the entries for a session.
type History struct {
	Entries   []Entry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides in-memory session history with a per-session entry cap and an
// inactivity TTL.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*History
	maxEntries int           // Max entries per session
	ttl        time.Duration // Time-to-live after the last update
	done       chan struct{}
	closeOnce  sync.Once
}

// Defaults applied by NewStore to a non-positive cap or TTL.
const (
	DefaultMaxEntries = 20
	DefaultTTL        = time.Hour
)

// NewStore creates a new history store and starts its expiry loop.
func NewStore(maxEntries int, ttl time.Duration) *Store {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store{
		sessions:   make(map[string]*History),
		maxEntries: maxEntries,
		ttl:        ttl,
		done:       make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Close stops the expiry loop.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Add appends an entry to the session, dropping the oldest entries past the cap.
func (s *Store) Add(sessionID string, e Entry) {
	if sessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	h, exists := s.sessions[sessionID]
	if !exists {
		h = &History{CreatedAt: now}
		s.sessions[sessionID] = h
	}

	h.Entries = append(h.Entries, e)
	h.UpdatedAt = now

	if len(h.Entries) > s.maxEntries {
		h.Entries = h.Entries[len(h.Entries)-s.maxEntries:]
	}
}

// Get returns a copy of the session's entries, oldest first, or nil for an
// unknown session.
func (s *Store) Get(sessionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.sessions[sessionID]
	if !exists {
		return nil
	}

	entries := make([]Entry, len(h.Entries))
	copy(entries, h.Entries)
	return entries
}

// Recent returns the last n entries of the session. n <= 0 returns them all.
func (s *Store) Recent(sessionID string, n int) []Entry {
	history := s.Get(sessionID)
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// ClearSession removes a session.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.cleanup(now)
		}
	}
}

func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.sessions {
		if now.Sub(h.UpdatedAt) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
