// Package registry implements the daemon's in-memory index of live
// sessions, dual-keyed by port and by name.
//
// It holds two maps (by port, by name) behind a single RWMutex that
// guards both indexes.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/silc-project/silcd/internal/session"
)

// Entry is what the registry tracks per session, beyond the Session
// itself, for listing and timeout bookkeeping.
type Entry struct {
	Session    *session.Session
	LastAccess time.Time
}

// Registry dual-indexes sessions by port and by name.
type Registry struct {
	mu     sync.RWMutex
	byPort map[int]*Entry
	byName map[string]*Entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byPort: make(map[int]*Entry),
		byName: make(map[string]*Entry),
	}
}

// Add registers s under its Port and Name. Add reports false, and
// changes nothing, if the port or the name is already registered.
func (r *Registry) Add(s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPort[s.Port]; exists {
		return false
	}
	if existing, exists := r.byName[s.Name]; exists && existing.Session.Port != s.Port {
		return false
	}

	e := &Entry{Session: s, LastAccess: time.Now()}
	r.byPort[s.Port] = e
	if s.Name != "" {
		r.byName[s.Name] = e
	}
	return true
}

// Remove drops the session at port from both indexes.
func (r *Registry) Remove(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPort[port]
	if !ok {
		return
	}
	delete(r.byPort, port)
	if e.Session.Name != "" {
		if cur, ok := r.byName[e.Session.Name]; ok && cur == e {
			delete(r.byName, e.Session.Name)
		}
	}
}

// Get returns the session bound to port, touching its last-access time.
func (r *Registry) Get(port int) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPort[port]
	if !ok {
		return nil, false
	}
	e.LastAccess = time.Now()
	return e.Session, true
}

// GetByName returns the session bound to name, touching its
// last-access time.
func (r *Registry) GetByName(name string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	e.LastAccess = time.Now()
	return e.Session, true
}

// NameExists reports whether name is already bound to a session.
func (r *Registry) NameExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// ListAll returns every registered session sorted by port ascending.
func (r *Registry) ListAll() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ports := make([]int, 0, len(r.byPort))
	for p := range r.byPort {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	out := make([]*session.Session, 0, len(ports))
	for _, p := range ports {
		out = append(out, r.byPort[p].Session)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPort)
}

// CleanupTimeout returns the ports of every session idle longer than
// maxIdle. A session counts as active if either this registry's entry
// or the session's own API clock was touched recently; traffic to a
// session's own port never passes through the registry, so its clock
// must be consulted too. The caller is responsible for actually closing
// the returned ports.
func (r *Registry) CleanupTimeout(maxIdle time.Duration) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var stale []int
	for port, e := range r.byPort {
		last := e.LastAccess
		if sl := e.Session.LastAccessTime(); sl.After(last) {
			last = sl
		}
		if now.Sub(last) > maxIdle {
			stale = append(stale, port)
		}
	}
	sort.Ints(stale)
	return stale
}
