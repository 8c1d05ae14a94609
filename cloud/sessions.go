package cloud

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/tagstreams/errors"
)

// Sessions holds the sessions of a process, keyed by cloud id.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates an empty session manager.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Add registers s under its id.
func (m *Sessions) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID()]; exists {
		return errors.WrapInvalid(fmt.Errorf("duplicate cloud id %q", s.ID()), "Sessions", "Add", "register session")
	}
	m.sessions[s.ID()] = s
	return nil
}

// Get returns the session for id.
func (m *Sessions) Get(id string) (*Session, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Lookup is Get with an error for unknown ids.
func (m *Sessions) Lookup(id string) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	return s, nil
}

// IDs returns the registered cloud ids in sorted order.
func (m *Sessions) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectAll starts sign-in for every session. Failures are left on the session
// (StateError plus its error listeners) and joined into the returned error.
func (m *Sessions) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		s, _ := m.Get(id)
		if err := s.Connect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// CloseAll closes every session and forgets them.
func (m *Sessions) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
