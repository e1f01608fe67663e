package core

import "sync"

// Registry maps socket descriptors to live connections. The lock is held
// only for map access, never across I/O.
type Registry struct {
	mu    sync.Mutex
	conns map[int]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int]*Connection, 1024)}
}

// Get returns the connection registered under fd, or nil.
func (r *Registry) Get(fd int) *Connection {
	r.mu.Lock()
	c := r.conns[fd]
	r.mu.Unlock()
	return c
}

// Add registers c under its descriptor, replacing any previous entry.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c.fd] = c
	r.mu.Unlock()
}

// Erase removes whatever is registered under fd.
func (r *Registry) Erase(fd int) {
	r.mu.Lock()
	delete(r.conns, fd)
	r.mu.Unlock()
}

// EraseIf removes fd only while it still maps to c, so a late close of a
// stale connection cannot evict a newer one that reused the descriptor.
func (r *Registry) EraseIf(fd int, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[fd] != c {
		return false
	}
	delete(r.conns, fd)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns the registered connections at this instant.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.conns)
	r.mu.Unlock()
}
