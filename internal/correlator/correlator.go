// Package correlator routes decoded inbound frames either to the single
// request waiting for them (postbacks) or to every unsolicited listener whose
// type and thread predicates accept them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatsdk/internal/event"
	"chatsdk/internal/listeners"
	"chatsdk/internal/task"
)

var (
	// ErrConnectionLost resolves waiters that were outstanding when the socket went away.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCancelled resolves a waiter cancelled by its owner.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout resolves a waiter that saw no answer within the response timeout.
	ErrTimeout = errors.New("no response from backend")
)

// PostbackError is returned to a waiter answered with one of its failure types.
type PostbackError struct {
	Envelope event.Envelope
	Failure  *event.FailureEvent
}

func (e *PostbackError) Error() string {
	return fmt.Sprintf("postback %s failed: %v", e.Envelope.ID, e.Failure)
}

func (e *PostbackError) Unwrap() error { return e.Failure }

// Listener receives unsolicited events.
type Listener func(event.Envelope)

type listener struct {
	types    []event.Type
	threadID string
	fn       Listener
}

func (l *listener) accepts(env event.Envelope) bool {
	if !slices.Contains(l.types, env.Type) {
		return false
	}
	return l.threadID == "" || l.threadID == env.Event.ThreadID()
}

// Correlator is safe for concurrent use. Dispatch is expected to be called
// from a single reader goroutine so that arrival order is preserved.
type Correlator struct {
	exec    task.Executor
	timeout time.Duration

	mu      sync.Mutex
	waiters []*Pending

	listeners listeners.Registry[*listener]
}

// New creates a correlator delivering listener callbacks on exec. A zero
// timeout lets waiters wait until they are cancelled or FailAll is called.
func New(exec task.Executor, timeout time.Duration) *Correlator {
	if exec == nil {
		exec = task.Inline{}
	}
	return &Correlator{exec: exec, timeout: timeout}
}

// Await registers a waiter for the postback answering eventID. Register
// before sending the request so a fast answer cannot be missed.
func (c *Correlator) Await(eventID string, success event.Type, failures ...event.Type) *Pending {
	return c.await(eventID, "", success, failures...)
}

// AwaitThread is Await for a request about one thread. A postback that does
// not carry eventID is only matched to it when it belongs to threadID.
func (c *Correlator) AwaitThread(eventID, threadID string, success event.Type, failures ...event.Type) *Pending {
	return c.await(eventID, threadID, success, failures...)
}

func (c *Correlator) await(eventID, threadID string, success event.Type, failures ...event.Type) *Pending {
	p := &Pending{
		c:        c,
		eventID:  eventID,
		threadID: threadID,
		success:  success,
		failures: failures,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.waiters = append(c.waiters, p)
	c.mu.Unlock()

	if c.timeout > 0 {
		p.timer = time.AfterFunc(c.timeout, func() {
			c.remove(p)
			p.resolve(event.Envelope{}, ErrTimeout)
		})
	}
	return p
}

// Request registers a waiter for out and sends it with send. The waiter is
// dropped again when encoding or sending fails.
func (c *Correlator) Request(send func([]byte) error, out event.Outbound, success event.Type, failures ...event.Type) (*Pending, error) {
	frame, err := out.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", out.Payload.EventType, err)
	}
	threadID := ""
	if d := out.Payload.Destination; d != nil {
		threadID = d.ID
	}
	p := c.await(out.EventID, threadID, success, failures...)
	if err := send(frame); err != nil {
		p.Cancel()
		return nil, fmt.Errorf("failed to send %s: %w", out.Payload.EventType, err)
	}
	return p, nil
}

// Listen subscribes fn to unsolicited events of the given types. An empty
// threadID accepts every thread.
func (c *Correlator) Listen(types []event.Type, threadID string, fn Listener) task.Cancellable {
	return c.listeners.Add(&listener{types: types, threadID: threadID, fn: fn})
}

// Dispatch decodes and routes one frame. Unknown and unmatched events are dropped.
func (c *Correlator) Dispatch(frame []byte) {
	env, err := event.Decode(frame)
	if err != nil {
		if errors.Is(err, event.ErrUnknownType) {
			log.Debug().Str("eventId", env.ID).Str("type", string(env.Type)).Msg("Dropping event of unknown type")
		} else {
			log.Warn().Err(err).Msg("Dropping malformed frame")
		}
		return
	}
	c.Route(env)
}

// Route delivers an already decoded envelope.
func (c *Correlator) Route(env event.Envelope) {
	if p := c.claim(env); p != nil {
		if fail, ok := env.Event.(*event.FailureEvent); ok && p.success != env.Type {
			p.resolve(env, &PostbackError{Envelope: env, Failure: fail})
		} else {
			p.resolve(env, nil)
		}
		return
	}

	delivered := false
	for _, l := range c.listeners.Snapshot() {
		if !l.accepts(env) {
			continue
		}
		delivered = true
		fn := l.fn
		c.exec.Post(func() { fn(env) })
	}
	if !delivered {
		log.Debug().Str("eventId", env.ID).Str("type", string(env.Type)).Msg("No listener for event")
	}
}

// claim removes and returns the waiter env answers: the waiter with the same
// event id first, then the oldest waiter for that type about the same
// thread, then the oldest waiter for that type that is not bound to another
// thread.
func (c *Correlator) claim(env event.Envelope) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	if env.ID != "" {
		idx = slices.IndexFunc(c.waiters, func(p *Pending) bool {
			return p.eventID == env.ID && p.awaits(env.Type)
		})
	}
	threadID := ""
	if env.Event != nil {
		threadID = env.Event.ThreadID()
	}
	if idx < 0 && threadID != "" {
		idx = slices.IndexFunc(c.waiters, func(p *Pending) bool {
			return p.awaits(env.Type) && p.threadID == threadID
		})
	}
	if idx < 0 {
		idx = slices.IndexFunc(c.waiters, func(p *Pending) bool {
			return p.awaits(env.Type) && (p.threadID == "" || threadID == "")
		})
	}
	if idx < 0 {
		return nil
	}
	p := c.waiters[idx]
	c.waiters = slices.Delete(c.waiters, idx, idx+1)
	return p
}

func (c *Correlator) remove(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.waiters, p); i >= 0 {
		c.waiters = slices.Delete(c.waiters, i, i+1)
	}
}

// FailAll resolves every outstanding waiter with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, p := range waiters {
		p.resolve(event.Envelope{}, err)
	}
}

// Outstanding returns the number of unresolved waiters.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Pending is one outstanding request.
type Pending struct {
	c        *Correlator
	eventID  string
	threadID string
	success  event.Type
	failures []event.Type
	timer    *time.Timer

	once sync.Once
	done chan struct{}
	env  event.Envelope
	err  error

	mu        sync.Mutex
	callbacks []func(event.Envelope, error)
}

// EventID is the id of the request this waiter answers.
func (p *Pending) EventID() string { return p.eventID }

func (p *Pending) awaits(t event.Type) bool {
	return t == p.success || slices.Contains(p.failures, t)
}

// resolve settles the waiter once. Callbacks are posted after the Once has
// completed so a callback may cancel its own waiter.
func (p *Pending) resolve(env event.Envelope, err error) {
	var callbacks []func(event.Envelope, error)
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.env, p.err = env, err

		p.mu.Lock()
		callbacks = p.callbacks
		p.callbacks = nil
		close(p.done)
		p.mu.Unlock()
	})
	for _, fn := range callbacks {
		p.post(fn)
	}
}

func (p *Pending) post(fn func(event.Envelope, error)) {
	env, err := p.env, p.err
	p.c.exec.Post(func() { fn(env, err) })
}

// Then calls fn on the correlator's executor once the waiter resolves.
// Cancelled waiters resolve with ErrCancelled; callers that cancel usually
// ignore that result.
func (p *Pending) Then(fn func(event.Envelope, error)) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		p.post(fn)
	default:
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
	}
}

// Wait blocks until the waiter resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (event.Envelope, error) {
	select {
	case <-p.done:
		return p.env, p.err
	case <-ctx.Done():
		return event.Envelope{}, ctx.Err()
	}
}

// Done is closed once the waiter resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Cancel drops the waiter. A later answer is routed as if it were unsolicited.
func (p *Pending) Cancel() {
	p.c.remove(p)
	p.resolve(event.Envelope{}, ErrCancelled)
}
