// Package identity supplies the current session id used to stamp authorship
// on attachment records.
package identity

import (
	"sync"
)

// Provider returns the current session id, or "" when signed out.
type Provider interface {
	SessionID() string
}

// Static always returns the same id.
type Static string

func (s Static) SessionID() string { return string(s) }

// Session is a mutable provider with login/logout and change listeners.
type Session struct {
	mu        sync.RWMutex
	id        string
	listeners map[int]func(id string)
	nextID    int
}

// NewSession creates a signed-out session.
func NewSession() *Session {
	return &Session{listeners: make(map[int]func(string))}
}

func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Login switches to id and notifies listeners.
func (s *Session) Login(id string) {
	s.set(id)
}

// Logout clears the session and notifies listeners.
func (s *Session) Logout() {
	s.set("")
}

// OnChange registers fn for session changes. fn is called with the current id
// right away. The returned function removes the listener.
func (s *Session) OnChange(fn func(id string)) func() {
	s.mu.Lock()
	key := s.nextID
	s.nextID++
	s.listeners[key] = fn
	cur := s.id
	s.mu.Unlock()

	fn(cur)
	return func() {
		s.mu.Lock()
		delete(s.listeners, key)
		s.mu.Unlock()
	}
}

func (s *Session) set(id string) {
	s.mu.Lock()
	if s.id == id {
		s.mu.Unlock()
		return
	}
	s.id = id
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}
