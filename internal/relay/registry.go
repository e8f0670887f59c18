package relay

import (
	"context"
	"sync"
)

// Conn is the outbound half of a live connection as seen by the registry and
// the engine. Implementations must be comparable (pointer types).
type Conn interface {
	Send(ctx context.Context, data []byte) error
}

// Registry maps each online party to its single live connection. It never
// owns or closes the connections it holds.
type Registry struct {
	mu    sync.RWMutex
	conns map[PartyID]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[PartyID]Conn)}
}

// Register installs conn for id and returns the connection it superseded, if any.
func (r *Registry) Register(id PartyID, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[id]
	r.conns[id] = conn
	return prev
}

func (r *Registry) Lookup(id PartyID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Unregister deletes the entry for id whatever connection it holds.
func (r *Registry) Unregister(id PartyID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Remove deletes the entry for id only while it still points at conn, so a
// superseded session cannot evict its successor.
func (r *Registry) Remove(id PartyID, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
