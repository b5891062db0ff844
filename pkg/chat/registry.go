package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrRegistryClosed is returned by Get after Close.
var ErrRegistryClosed = errors.New("chat registry closed")

// Registry owns named sessions built by one Factory. It is safe for
// concurrent use.
type Registry struct {
	factory *Factory

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(f *Factory) *Registry {
	return &Registry{factory: f, clients: make(map[string]*Client)}
}

// Get returns the session called name, building it on first use.
func (r *Registry) Get(ctx context.Context, name string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	c, err := r.factory.New(ctx, name)
	if err != nil {
		return nil, err
	}
	r.clients[name] = c
	return c, nil
}

// Lookup returns an existing session without building one.
func (r *Registry) Lookup(name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names lists the registered sessions in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove releases the session called name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	c, ok := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()
	if ok {
		c.Release()
	}
}

// Close releases every session. Get fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.closed = true
	r.mu.Unlock()
	for _, c := range clients {
		c.Release()
	}
}
