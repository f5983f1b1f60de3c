// Package registry owns the in-process mapping from identity to its single
// live connection. It is the source of truth for "can I deliver right now";
// it carries no persistence and is rebuilt empty on process restart.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrConnClosed is returned by Conn implementations once the underlying
	// channel is gone.
	ErrConnClosed = errors.New("registry: connection closed")

	// ErrSendBufferFull is returned when a connection's outbound queue is
	// saturated. The implementation is expected to force-close itself rather
	// than stall the sender.
	ErrSendBufferFull = errors.New("registry: send buffer full")
)

// Conn is one live duplex channel bound to exactly one identity.
//
// Send must not block on a slow peer; implementations enqueue into a bounded
// buffer and fail fast.
type Conn interface {
	Send(event any) error
	Close(code int, reason string)
	IsOpen() bool
}

// Registry maps identity -> live connection.
//
// Invariant: at most one live connection per identity at any observation
// point. Register unconditionally displaces; Remove is guarded so a stale
// close handler cannot evict a newer connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds conn to userID, displacing any existing binding.
// The displaced connection (if any) is returned so the lifecycle handler can
// decide its fate; this call alone does not close it.
func (r *Registry) Register(userID string, conn Conn) (prev Conn, displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, displaced = r.conns[userID]
	r.conns[userID] = conn
	return prev, displaced
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Remove deletes the binding only when the stored connection is the one
// asking. A reconnect followed by the old socket's close handler firing must
// not unbind the new connection.
func (r *Registry) Remove(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || cur != conn {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Each calls fn for every binding except excludeUserID. fn runs under the
// read lock; it must not call back into the registry.
func (r *Registry) Each(excludeUserID string, fn func(userID string, conn Conn)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.conns {
		if id == excludeUserID {
			continue
		}
		fn(id, c)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
