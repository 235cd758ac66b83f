// Package registry maps registered users to their live socket connections.
// Connections are keyed by their ws session ID, and a user may hold several
// connections at once (multiple tabs).
package registry

import (
	"sync"
)

// Session is the identity a connection presented on register.
type Session struct {
	UserID string
	Name   string
	Avatar string
}

// Registry is a thread-safe two-way map between connections and users with
// O(1) lookups in both directions.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Session
	byUser map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		byConn: make(map[string]Session),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register binds connID to the given session. Re-registering a connection
// under a different user moves it.
func (r *Registry) Register(connID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		r.dropLocked(connID, prev.UserID)
	}
	r.byConn[connID] = s
	conns, ok := r.byUser[s.UserID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[s.UserID] = conns
	}
	conns[connID] = struct{}{}
}

// Unregister removes connID and returns the session it held, if any.
func (r *Registry) Unregister(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if ok {
		r.dropLocked(connID, s.UserID)
	}
	return s, ok
}

func (r *Registry) dropLocked(connID, userID string) {
	delete(r.byConn, connID)
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// Session returns the identity registered for connID.
func (r *Registry) Session(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Connections returns every live connection held by userID.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// OnlineUsers counts distinct registered users, not connections.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
