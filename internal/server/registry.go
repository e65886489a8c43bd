package server

import (
	"sort"
	"sync"
)

// Registry maps each online username to its single authenticated
// connection. Only the hub's Run loop mutates it; the lock lets the status
// endpoint read a consistent snapshot from other goroutines.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Client)}
}

// Register binds name to c and returns the connection it replaced, if any.
func (r *Registry) Register(name string, c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byName[name]
	r.byName[name] = c
	return prev
}

// Deregister removes name only while it still maps to c, so a stale
// connection can never remove its replacement.
func (r *Registry) Deregister(name string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byName[name]; ok && cur == c {
		delete(r.byName, name)
		return true
	}
	return false
}

// Lookup returns the connection registered for name.
func (r *Registry) Lookup(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[name]
	return c, ok
}

// IsCurrent reports whether c is the registered connection for its username.
func (r *Registry) IsCurrent(c *Client) bool {
	if c == nil {
		return false
	}
	cur, ok := r.Lookup(c.Username())
	return ok && cur == c
}

// Snapshot returns the online usernames, sorted. It never returns nil.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clients returns the registered connections.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.byName))
	for _, c := range r.byName {
		clients = append(clients, c)
	}
	return clients
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Reset empties the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Client)
}
