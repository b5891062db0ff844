// Package task holds the small concurrency vocabulary shared by the chat
// engine: cancellable handles for in-flight work and executors that decide
// where listener callbacks run.
package task

import "sync"

// Cancellable is returned by every asynchronous operation. Cancelling
// prevents the pending callback from firing; the underlying network request
// is aborted on a best-effort basis only.
type Cancellable interface {
	Cancel()
}

// CancelFunc adapts a plain function to Cancellable.
type CancelFunc func()

// Cancel calls f.
func (f CancelFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Nop is a Cancellable that does nothing.
var Nop Cancellable = CancelFunc(nil)

type once struct {
	o  sync.Once
	fn func()
}

func (c *once) Cancel() { c.o.Do(c.fn) }

// Once returns a Cancellable whose fn runs at most once no matter how many
// times Cancel is called.
func Once(fn func()) Cancellable {
	return &once{fn: fn}
}

// Group cancels every member when cancelled. Members added after the group
// was cancelled are cancelled immediately.
type Group struct {
	mu        sync.Mutex
	members   []Cancellable
	cancelled bool
}

// Add registers c with the group.
func (g *Group) Add(c Cancellable) {
	if c == nil {
		return
	}
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		c.Cancel()
		return
	}
	g.members = append(g.members, c)
	g.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (g *Group) Cancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// Cancel cancels all members once.
func (g *Group) Cancel() {
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return
	}
	g.cancelled = true
	members := g.members
	g.members = nil
	g.mu.Unlock()

	for _, m := range members {
		m.Cancel()
	}
}
