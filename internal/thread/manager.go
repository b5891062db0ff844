package thread

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/attachment"
	"chatsdk/internal/correlator"
	"chatsdk/internal/event"
	"chatsdk/internal/listeners"
	"chatsdk/internal/task"
)

var (
	// ErrNoListener is returned by LoadMore when nobody observes the thread.
	ErrNoListener = errors.New("thread has no listener")
	// ErrNoMoreMessages is returned by LoadMore when the server has no older page.
	ErrNoMoreMessages = errors.New("no more messages to load")
	// ErrThreadClosed is returned when sending to a closed thread.
	ErrThreadClosed = errors.New("thread is closed")
	// ErrEmptyMessage is returned when a message has neither text nor attachments.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("thread manager stopped")
	// ErrForeignThread is returned when a thread request is answered with
	// another thread's data.
	ErrForeignThread = errors.New("answer belongs to another thread")
)

// Backend is what the synchronizer needs from the connected session.
type Backend interface {
	// Send delivers an authenticated event. destination is a thread id or "".
	// done is called exactly once: with nil after the frame was handed to the
	// transport, or with the reason it was not. It may run before Send
	// returns.
	Send(eventType event.Type, destination string, data event.Authenticated, done func(error))
	// Request sends an event and calls reply on the foreground executor with
	// the answering postback.
	Request(eventType event.Type, destination string, data event.Authenticated, reply func(event.Envelope, error), success event.Type, failures ...event.Type) task.Cancellable
	// Listen subscribes to unsolicited events.
	Listen(types []event.Type, threadID string, fn correlator.Listener) task.Cancellable
	// Upload resolves an attachment through the session's upload cache.
	Upload(ctx context.Context, d attachment.Descriptor) (attachment.Entry, error)
}

// Persister stores thread snapshots across restarts.
type Persister interface {
	LoadThreads(ctx context.Context) ([]Thread, error)
	SaveThread(ctx context.Context, t Thread) error
	DeleteThreads(ctx context.Context) error
}

// Listener observes one thread.
type Listener func(Thread)

// ListListener observes the set of known threads.
type ListListener func([]Thread)

// SendListener observes one outgoing message.
type SendListener struct {
	// OnProcessed runs once the message was handed to the transport.
	OnProcessed func(Message)
	// OnSent runs once the server echoed the message.
	OnSent func(Message)
}

type record struct {
	thread    Thread
	listeners listeners.Registry[Listener]
	sends     map[string]*pendingSend
	// fields set before the thread exists remotely travel with the first message
	pendingFields map[string]string
}

// Options configure a Manager.
type Options struct {
	Executor  task.Executor
	Persister Persister
	Now       func() time.Time
}

// Manager holds exactly one record per thread id.
type Manager struct {
	backend   Backend
	exec      task.Executor
	persister Persister
	saver     *task.Serial
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	threads map[string]*record
	sub     task.Cancellable
	stopped bool

	list listeners.Registry[ListListener]
}

// NewManager creates a manager. Start must be called to follow live events.
func NewManager(backend Backend, opts Options) *Manager {
	if opts.Executor == nil {
		opts.Executor = task.Inline{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:   backend,
		exec:      opts.Executor,
		persister: opts.Persister,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
		threads:   make(map[string]*record),
	}
	if m.persister != nil {
		m.saver = task.NewSerial()
	}
	return m
}

// Start follows unsolicited thread events.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil || m.stopped {
		return
	}
	m.sub = m.backend.Listen(event.ThreadTypes, "", m.apply)
}

// Stop unsubscribes from events and aborts pending uploads. Snapshots stay readable.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	m.cancel()
	if m.saver != nil {
		m.saver.Close()
	}
}

// Reset forgets every thread, locally and in the persister.
func (m *Manager) Reset() {
	m.mu.Lock()
	for _, r := range m.threads {
		r.listeners.Clear()
	}
	m.threads = make(map[string]*record)
	m.mu.Unlock()

	if m.persister != nil {
		m.persist(func(ctx context.Context) error { return m.persister.DeleteThreads(ctx) })
	}
	m.notifyList()
}

// Restore seeds threads from the persister. Threads already known win.
func (m *Manager) Restore(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	threads, err := m.persister.LoadThreads(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, t := range threads {
		if _, ok := m.threads[t.ID]; !ok {
			m.threads[t.ID] = &record{thread: t.clone(), sends: map[string]*pendingSend{}}
		}
	}
	m.mu.Unlock()
	log.Debug().Int("threads", len(threads)).Msg("Threads restored")
	m.notifyList()
	return nil
}

// Create starts a new thread known only locally until its first message.
func (m *Manager) Create(name string, customFields map[string]string) *Handler {
	id := uuid.NewString()
	m.mu.Lock()
	r := m.ensure(id)
	r.thread.Name = name
	if len(customFields) > 0 {
		r.pendingFields = make(map[string]string, len(customFields))
		for k, v := range customFields {
			r.pendingFields[k] = v
		}
		r.thread.CustomFields = copyFields(customFields)
	}
	m.mu.Unlock()

	m.changed(id)
	return &Handler{m: m, id: id}
}

// Handler returns the handler for id, creating a Received record when the
// thread was not seen yet.
func (m *Manager) Handler(id string) *Handler {
	m.mu.Lock()
	if _, ok := m.threads[id]; !ok {
		r := m.ensure(id)
		r.thread.State = Received
	}
	m.mu.Unlock()
	return &Handler{m: m, id: id}
}

// Get returns the snapshot of id.
func (m *Manager) Get(id string) (Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.threads[id]
	if !ok {
		return Thread{}, false
	}
	return r.thread.clone(), true
}

// Threads returns snapshots of every known thread, most recently updated first.
func (m *Manager) Threads() []Thread {
	m.mu.Lock()
	out := make([]Thread, 0, len(m.threads))
	for _, r := range m.threads {
		out = append(out, r.thread.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SubscribeList observes the thread list. The current list is delivered first.
func (m *Manager) SubscribeList(fn ListListener) task.Cancellable {
	h := m.list.Add(fn)
	snap := m.Threads()
	m.exec.Post(func() { fn(snap) })
	return h
}

// Fetch asks the server for the customer's threads and reconciles them into
// the existing records.
func (m *Manager) Fetch(reply func([]Thread, error)) task.Cancellable {
	return m.backend.Request(event.FetchThreadList, "", &event.ThreadListData{}, func(env event.Envelope, err error) {
		if errors.Is(err, correlator.ErrCancelled) {
			return
		}
		if err != nil {
			if reply != nil {
				reply(nil, err)
			}
			return
		}
		ev := env.Event.(*event.ThreadListFetchedEvent)
		m.mu.Lock()
		for _, ref := range ev.Threads {
			r := m.ensure(ref.IDOnExternalPlatform)
			if r.thread.State == Pending {
				r.thread.State = Received
			}
			applyRef(&r.thread, ref)
		}
		m.mu.Unlock()
		for _, ref := range ev.Threads {
			m.changed(ref.IDOnExternalPlatform)
		}
		if reply != nil {
			reply(m.Threads(), nil)
		}
	}, event.ThreadListFetched, event.Error)
}

// ensure returns the record for id, creating it. Callers hold m.mu.
func (m *Manager) ensure(id string) *record {
	r, ok := m.threads[id]
	if !ok {
		r = &record{
			thread: Thread{ID: id, State: Pending, CanAddMoreMessages: true, UpdatedAt: m.now()},
			sends:  map[string]*pendingSend{},
		}
		m.threads[id] = r
	}
	return r
}

// update mutates the record of id under the lock and notifies observers.
func (m *Manager) update(id string, fn func(r *record)) {
	m.mu.Lock()
	r := m.ensure(id)
	fn(r)
	r.thread.UpdatedAt = m.now()
	m.mu.Unlock()
	m.changed(id)
}

// changed delivers the current snapshot of id to its listeners and the list
// listeners, and persists it.
func (m *Manager) changed(id string) {
	m.mu.Lock()
	r, ok := m.threads[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	snap := r.thread.clone()
	ls := r.listeners.Snapshot()
	m.mu.Unlock()

	if len(ls) > 0 {
		m.exec.Post(func() {
			for _, l := range ls {
				l(snap)
			}
		})
	}
	m.notifyList()

	if m.persister != nil && snap.State != Pending {
		m.persist(func(ctx context.Context) error { return m.persister.SaveThread(ctx, snap) })
	}
}

func (m *Manager) notifyList() {
	ls := m.list.Snapshot()
	if len(ls) == 0 {
		return
	}
	snap := m.Threads()
	m.exec.Post(func() {
		for _, l := range ls {
			l(snap)
		}
	})
}

func (m *Manager) persist(fn func(ctx context.Context) error) {
	m.saver.Post(func() {
		if err := fn(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to persist threads")
		}
	})
}

// apply reconciles one unsolicited event into its thread.
func (m *Manager) apply(env event.Envelope) {
	id := env.Event.ThreadID()
	if id == "" {
		log.Debug().Str("type", string(env.Type)).Msg("Thread event without thread id")
		return
	}

	var sent *sentNotice
	m.update(id, func(r *record) {
		t := &r.thread
		switch ev := env.Event.(type) {
		case *event.MessageCreatedEvent:
			applyRef(t, ev.Thread)
			msg := messageFromModel(ev.Message, id)
			t.Messages = merge(t.Messages, []Message{msg})
			if ev.Case.Status != "" {
				t.ContactStatus = ev.Case.Status
			}
			if t.State < Ready {
				t.State = Ready
			}
			if p, ok := r.sends[msg.ID]; ok {
				merged, _ := t.Message(msg.ID)
				if p.processed {
					delete(r.sends, msg.ID)
					sent = &sentNotice{listener: p.listener, msg: merged}
				} else {
					p.echo = &merged
				}
			}
		case *event.MessageReadChangedEvent:
			for i := range t.Messages {
				if t.Messages[i].ID == ev.Message.IDOnExternalPlatform && t.Messages[i].Status < Seen {
					t.Messages[i].Status = Seen
				}
			}
		case *event.CaseStatusChangedEvent:
			t.ContactStatus = ev.Case.Status
			if ev.Case.Status == "closed" {
				t.State = Closed
				t.CanAddMoreMessages = false
			}
		case *event.AssignmentChangedEvent:
			t.Agent = agentFromModel(ev.Assignee)
		case *event.TypingEvent:
			if ev.User != nil {
				t.Agent = agentFromModel(ev.User)
			}
			if t.Agent != nil {
				t.Agent.Typing = ev.Type() == event.SenderTypingStarted
			}
		case *event.PositionInQueueEvent:
			t.PositionInQueue = ev.Position
			t.AgentAvailable = ev.AgentAvailable
		case *event.ThreadArchivedEvent:
			t.State = Closed
			t.CanAddMoreMessages = false
		case *event.ThreadRecoveredEvent:
			applyRecovered(t, ev)
		}
	})

	if sent != nil && sent.listener.OnSent != nil {
		fn, msg := sent.listener.OnSent, sent.msg
		m.exec.Post(func() { fn(msg) })
	}
}

// pendingSend tracks a local message until the server echoes it. An echo
// that overtakes OnProcessed is held back so OnSent always comes second.
type pendingSend struct {
	listener  SendListener
	processed bool
	echo      *Message
}

type sentNotice struct {
	listener SendListener
	msg      Message
}

func applyRef(t *Thread, ref event.ThreadRef) {
	if ref.ThreadName != "" {
		t.Name = ref.ThreadName
	}
	if ref.CanAddMoreMessages != nil {
		t.CanAddMoreMessages = *ref.CanAddMoreMessages
		if !t.CanAddMoreMessages {
			t.State = Closed
		}
	}
}

func applyRecovered(t *Thread, ev *event.ThreadRecoveredEvent) {
	t.Messages = merge(t.Messages, messagesFromModel(ev.Messages, t.ID))
	t.ScrollToken = ev.ScrollToken
	if t.State < Loaded {
		t.State = Loaded
	}
	applyRef(t, ev.Thread)
	if ev.Contact != nil {
		t.ContactStatus = ev.Contact.Status
		if len(ev.Contact.CustomFields) > 0 {
			if t.CustomFields == nil {
				t.CustomFields = map[string]string{}
			}
			for _, f := range ev.Contact.CustomFields {
				t.CustomFields[f.Ident] = f.Value
			}
		}
	}
	if ev.Assignee != nil {
		t.Agent = agentFromModel(ev.Assignee)
	}
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
