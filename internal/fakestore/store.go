package fakestore

import (
	"context"
	"sync"
	"time"

	"github.com/suyash-sneo/tileacq/coord"
)

// Store is an in-memory implementation of coord.Store for tests.
type Store struct {
	mu       sync.Mutex
	now      time.Time
	sessions map[string]time.Time
	statuses map[string]statusEntry
	terminal map[string]bool

	// Err, when set, is returned by every call.
	Err error
}

type statusEntry struct {
	status coord.Status
	exp    time.Time
}

// New returns a fresh in-memory store.
func New() *Store {
	return &Store{
		now:      time.Now(),
		sessions: map[string]time.Time{},
		statuses: map[string]statusEntry{},
		terminal: map[string]bool{},
	}
}

// Advance moves the internal clock forward (useful for deterministic tests).
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// SetErr makes every subsequent call fail with err (nil clears it).
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Store) HeartbeatSession(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sessions[sessionID] = s.now.Add(ttl)
	return nil
}

func (s *Store) ListSessions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.evictExpired()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) PruneDeadSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	before := len(s.sessions)
	s.evictExpired()
	return before - len(s.sessions), nil
}

func (s *Store) PutStatus(_ context.Context, st coord.Status, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.terminal[st.SessionID] {
		return nil
	}
	s.statuses[st.SessionID] = statusEntry{status: st, exp: s.now.Add(ttl)}
	return nil
}

func (s *Store) GetStatus(_ context.Context, sessionID string) (coord.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return coord.Status{}, false, s.Err
	}
	s.evictExpired()
	e, ok := s.statuses[sessionID]
	if !ok {
		return coord.Status{}, false, nil
	}
	return e.status, true, nil
}

func (s *Store) MarkTerminal(_ context.Context, st coord.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if s.terminal[st.SessionID] {
		return false, nil
	}
	s.terminal[st.SessionID] = true
	s.statuses[st.SessionID] = statusEntry{status: st}
	return true, nil
}

func (s *Store) evictExpired() {
	for id, exp := range s.sessions {
		if !exp.After(s.now) {
			delete(s.sessions, id)
		}
	}
	for id, e := range s.statuses {
		if s.terminal[id] {
			continue
		}
		if !e.exp.After(s.now) {
			delete(s.statuses, id)
		}
	}
}
