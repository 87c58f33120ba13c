// Package identity models authenticated callers and the session state that tracks who
// the current caller is.
package identity

import (
	"sort"
	"sync"
)

// Identity is an authenticated principal as reported by the credential service.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Provider    string `json:"provider"`
}

// Session holds the current identity for one process or connection. It is updated only
// through Set and announces every transition to its listeners.
type Session struct {
	mu          sync.Mutex
	current     *Identity
	initialized bool
	nextID      uint64
	listeners   map[uint64]func(*Identity)
}

// NewSession returns an uninitialized session: listeners are not called until the first Set.
func NewSession() *Session {
	return &Session{listeners: make(map[uint64]func(*Identity))}
}

// Set records a login (non-nil) or logout (nil) and notifies listeners in registration order.
func (s *Session) Set(id *Identity) {
	s.mu.Lock()
	if id != nil {
		cp := *id
		id = &cp
	}
	s.current = id
	s.initialized = true
	fns := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(copyIdentity(id))
	}
}

// Current returns the current identity, or nil when nobody is signed in.
func (s *Session) Current() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyIdentity(s.current)
}

// OnIdentityChange registers fn for identity transitions. If the session has already been
// initialized, fn is called immediately with the current identity.
func (s *Session) OnIdentityChange(fn func(*Identity)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	initialized, current := s.initialized, copyIdentity(s.current)
	s.mu.Unlock()

	if initialized {
		fn(current)
	}
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close drops every listener.
func (s *Session) Close() {
	s.mu.Lock()
	s.listeners = make(map[uint64]func(*Identity))
	s.mu.Unlock()
}

func (s *Session) snapshotLocked() []func(*Identity) {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(*Identity), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	return fns
}

func copyIdentity(id *Identity) *Identity {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}
