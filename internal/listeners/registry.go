// Package listeners provides the copy-on-write listener registry used by
// every observable component. Iterating a snapshot is safe while other
// goroutines add or remove entries.
package listeners

import (
	"sync"
	"sync/atomic"

	"chatsdk/internal/task"
)

type entry[T any] struct {
	id    uint64
	value T
}

// Registry holds listeners of type T. Each Add returns a disposer; there is
// no implicit cleanup.
type Registry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries atomic.Pointer[[]entry[T]]
}

// Add registers v and returns the handle that removes it.
func (r *Registry[T]) Add(v T) task.Cancellable {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	cur := r.load()
	next := make([]entry[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, entry[T]{id: id, value: v})
	r.entries.Store(&next)
	r.mu.Unlock()

	return task.Once(func() { r.remove(id) })
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.load()
	next := make([]entry[T], 0, len(cur))
	for _, e := range cur {
		if e.id != id {
			next = append(next, e)
		}
	}
	r.entries.Store(&next)
}

// Snapshot returns the listeners registered at the time of the call.
func (r *Registry[T]) Snapshot() []T {
	cur := r.load()
	out := make([]T, len(cur))
	for i, e := range cur {
		out[i] = e.value
	}
	return out
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	return len(r.load())
}

// Clear drops every listener.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	empty := []entry[T]{}
	r.entries.Store(&empty)
	r.mu.Unlock()
}

func (r *Registry[T]) load() []entry[T] {
	p := r.entries.Load()
	if p == nil {
		return nil
	}
	return *p
}
