// Package session is the top-level chat controller: it owns the ChatState,
// validates transitions, owns the in-flight cancellable operation and fans
// out notifications to observers.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatsdk/config"
	"chatsdk/internal/attachment"
	"chatsdk/internal/correlator"
	"chatsdk/internal/event"
	"chatsdk/internal/listeners"
	"chatsdk/internal/retry"
	"chatsdk/internal/task"
	"chatsdk/internal/thread"
	"chatsdk/internal/token"
)

// SDKPlatform is reported to the backend on authorization.
const SDKPlatform = "go"

// Options are the collaborators of a session. Config, Transport and Channel
// are required.
type Options struct {
	Config    config.Session
	Transport Transport
	Channel   Channel
	Uploader  attachment.Uploader
	Loader    attachment.Loader

	// Executor delivers every observer callback. Defaults to a serial executor
	// owned by the session.
	Executor task.Executor
	Retry    retry.Controller
	// ResponseTimeout bounds postback waits. Zero waits until disconnect.
	ResponseTimeout time.Duration

	// Configuration, when set, makes Prepare complete synchronously.
	Configuration *Configuration
	Identity      Identity
	Store         IdentityStore
	Threads       thread.Persister

	Now func() time.Time
}

// snapshot is the atomically swapped {state, handle} record. handle is
// non-nil exactly when state is Preparing or Connecting.
type snapshot struct {
	state  ChatState
	handle task.Cancellable
}

// Session is safe for concurrent use.
type Session struct {
	cfg       config.Session
	transport Transport
	channel   Channel
	exec      task.Executor
	ownedExec *task.Serial
	retry     retry.Controller
	store     IdentityStore
	now       func() time.Time

	corr    *correlator.Correlator
	tokens  *token.Manager
	uploads *attachment.Cache
	threads *thread.Manager

	observers listeners.Registry[Observer]

	cur atomic.Pointer[snapshot]

	mu          sync.Mutex
	identity    Identity
	channelCfg  *Configuration
	attempt     *task.Group // pending connect, including the authorization wait
	connectFrom ChatState
	epoch       uint64
	notes       []func(Observer)
}

// New creates a session in Initial.
func New(opts Options) *Session {
	s := &Session{
		cfg:        opts.Config,
		transport:  opts.Transport,
		channel:    opts.Channel,
		exec:       opts.Executor,
		retry:      opts.Retry,
		store:      opts.Store,
		now:        opts.Now,
		identity:   opts.Identity,
		channelCfg: opts.Configuration,
	}
	if s.exec == nil {
		s.ownedExec = task.NewSerial()
		s.exec = s.ownedExec
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retry.Name == "" {
		s.retry.Name = "prepare"
	}
	s.cur.Store(&snapshot{state: Initial})

	if s.store != nil && s.identity == (Identity{}) {
		id, ok, err := s.store.LoadIdentity(context.Background())
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Failed to load stored identity")
		case ok:
			s.identity = id
			opts.Identity = id
			log.Debug().Str("customerId", id.CustomerID).Msg("Identity restored")
		}
	}

	s.corr = correlator.New(s.exec, opts.ResponseTimeout)
	s.tokens = token.NewManager(s.refreshToken, s.now)
	if opts.Identity.Token != nil {
		s.tokens.Set(*opts.Identity.Token)
	}
	uploader := opts.Uploader
	if uploader == nil {
		uploader = attachment.UploaderFunc(func(context.Context, []byte, attachment.Metadata) (attachment.Reference, error) {
			return attachment.Reference{}, attachment.ErrRejected
		})
	}
	s.uploads = attachment.NewCache(uploader, opts.Loader)
	s.threads = thread.NewManager(&backend{s: s}, thread.Options{Executor: s.exec, Persister: opts.Threads, Now: s.now})
	s.threads.Start()

	s.transport.OnFrame(s.corr.Dispatch)
	s.transport.OnDisconnect(s.onDisconnect)
	return s
}

// State returns the current state.
func (s *Session) State() ChatState {
	return s.cur.Load().state
}

// Handle returns the in-flight operation of a transitional state, or nil.
func (s *Session) Handle() task.Cancellable {
	return s.cur.Load().handle
}

// Config returns the immutable session configuration.
func (s *Session) Config() config.Session { return s.cfg }

// Configuration returns the channel configuration once prepared.
func (s *Session) Configuration() (Configuration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelCfg == nil {
		return Configuration{}, false
	}
	return *s.channelCfg, true
}

// Identity returns a copy of the customer identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Threads exposes the thread synchronizer.
func (s *Session) Threads() *thread.Manager { return s.threads }

// Uploads exposes the attachment cache.
func (s *Session) Uploads() *attachment.Cache { return s.uploads }

// Correlator exposes the event router, for listeners outside the thread model.
func (s *Session) Correlator() *correlator.Correlator { return s.corr }

// Observe registers o. The returned handle unregisters it.
func (s *Session) Observe(o Observer) task.Cancellable {
	return s.observers.Add(o)
}

// setLocked swaps the state record and returns the superseded handle, which
// the caller cancels after unlocking. Callers hold s.mu.
func (s *Session) setLocked(next ChatState, h task.Cancellable) task.Cancellable {
	prev := s.cur.Load()
	s.cur.Store(&snapshot{state: next, handle: h})
	if prev.state != next {
		from := prev.state
		log.Debug().Str("from", from.String()).Str("to", next.String()).Msg("Chat state changed")
		s.note(func(o Observer) { o.OnStateChanged(from, next) })
	}
	if prev.handle != nil && prev.handle != h {
		return prev.handle
	}
	return nil
}

// note queues an observer notification. Callers hold s.mu.
func (s *Session) note(fn func(Observer)) {
	s.notes = append(s.notes, fn)
}

func (s *Session) noteRuntime(op string, err error) {
	rerr := &RuntimeError{Op: op, Err: err}
	log.Error().Err(err).Str("op", op).Msg("Chat runtime error")
	s.note(func(o Observer) { o.OnRuntimeError(rerr) })
}

// unlock releases s.mu, cancels the superseded handle and connect attempts,
// and delivers queued notifications. Nil arguments are skipped.
func (s *Session) unlock(old task.Cancellable, attempts ...*task.Group) {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	for _, g := range attempts {
		if g != nil {
			g.Cancel()
		}
	}
	if len(notes) == 0 {
		return
	}
	obs := s.observers.Snapshot()
	s.exec.Post(func() {
		for _, n := range notes {
			for _, o := range obs {
				n(o)
			}
		}
	})
}

// Prepare builds the session: resolves the channel configuration and applies
// the identity. With a cached configuration it completes synchronously and
// Preparing is skipped.
func (s *Session) Prepare() error {
	s.mu.Lock()
	switch st := s.State(); st {
	case Prepared:
		s.mu.Unlock()
		return nil
	case Initial:
	default:
		s.mu.Unlock()
		return &InvalidStateError{Op: "prepare", State: st}
	}

	if s.channelCfg != nil {
		s.applyIdentityLocked()
		old := s.setLocked(Prepared, nil)
		s.unlock(old)
		if err := s.threads.Restore(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to restore threads")
		}
		s.saveIdentity()
		return nil
	}

	g := &task.Group{}
	s.setLocked(Preparing, g)
	s.unlock(nil)

	var cfg Configuration
	g.Add(s.retry.Run(func(ctx context.Context) error {
		c, err := s.channel.Configuration(ctx, s.cfg.BrandID, s.cfg.ChannelID)
		if err != nil {
			return err
		}
		cfg = c
		if err := s.threads.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to restore threads")
		}
		return nil
	}, func(err error) {
		s.finishPrepare(g, cfg, err)
	}))
	return nil
}

func (s *Session) finishPrepare(g *task.Group, cfg Configuration, err error) {
	s.mu.Lock()
	if s.Handle() != task.Cancellable(g) {
		s.mu.Unlock()
		return
	}
	if err != nil {
		old := s.setLocked(Initial, nil)
		s.noteRuntime("prepare", err)
		s.unlock(old)
		return
	}
	s.channelCfg = &cfg
	s.applyIdentityLocked()
	old := s.setLocked(Prepared, nil)
	s.unlock(old)
	s.saveIdentity()
}

// applyIdentityLocked fills in generated ids. Callers hold s.mu.
func (s *Session) applyIdentityLocked() {
	if s.identity.CustomerID == "" {
		s.identity.CustomerID = uuid.NewString()
	}
	if s.identity.VisitorID == "" {
		s.identity.VisitorID = uuid.NewString()
	}
}

// Connect opens the socket and authorizes the customer. When the transport
// opens asynchronously the state is Connecting until ConsumerAuthorized;
// a synchronous open goes straight to Connected on authorization.
func (s *Session) Connect() error {
	s.mu.Lock()
	st := s.State()
	if st != Prepared && st != ConnectionLost {
		s.mu.Unlock()
		return &InvalidStateError{Op: "connect", State: st}
	}
	if _, hasToken := s.tokens.Current(); s.channelCfg.IsAuthorizationEnabled && s.identity.Authorization.Code == "" && !hasToken {
		s.mu.Unlock()
		return ErrMissingCredentials
	}
	prevAttempt := s.attempt
	g := &task.Group{}
	s.attempt = g
	s.connectFrom = st
	s.unlock(nil, prevAttempt)

	ctx, cancel := context.WithCancel(context.Background())
	g.Add(task.CancelFunc(cancel))

	var (
		gate     sync.Mutex
		returned bool
		called   bool
		early    error
	)
	h := s.transport.Open(ctx, func(err error) {
		gate.Lock()
		if !returned {
			called, early = true, err
			gate.Unlock()
			return
		}
		gate.Unlock()
		s.opened(g, err)
	})
	gate.Lock()
	returned = true
	inline := called || h == nil
	gate.Unlock()

	if inline {
		if !called {
			early = errors.New("transport returned no handle without completing")
		}
		s.opened(g, early)
		return nil
	}

	s.mu.Lock()
	cur := s.State()
	if s.attempt != g || cur.socketOpen() || cur == Connecting {
		s.mu.Unlock()
		return nil
	}
	g.Add(h)
	old := s.setLocked(Connecting, g)
	s.unlock(old)
	return nil
}

// opened continues a connect attempt once the socket is up.
func (s *Session) opened(g *task.Group, err error) {
	s.mu.Lock()
	if s.attempt != g {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.attempt = nil
		old := s.setLocked(s.connectFrom, nil)
		s.noteRuntime("connect", err)
		s.unlock(old, g)
		return
	}
	_, reconnect := s.tokens.Current()
	s.mu.Unlock()

	log.Debug().Bool("reconnect", reconnect).Msg("Socket open, authorizing")
	if reconnect {
		s.tokens.WithValid(func(tok string) {
			data := &event.ReconnectData{}
			data.SetToken(tok)
			s.authorize(g, event.ReconnectCustomer, data)
		}, func(err error) {
			s.authorized(g, event.ReconnectCustomer, event.Envelope{}, err)
		})
		return
	}
	s.mu.Lock()
	data := &event.AuthorizeData{
		Authorization: event.AuthorizationCode{
			AuthorizationCode: s.identity.Authorization.Code,
			CodeVerifier:      s.identity.Authorization.Verifier,
		},
		DeviceToken: s.identity.DeviceToken,
		SDKPlatform: SDKPlatform,
		SDKVersion:  s.cfg.ClientVersion,
	}
	s.mu.Unlock()
	s.authorize(g, event.AuthorizeCustomer, data)
}

func (s *Session) authorize(g *task.Group, t event.Type, data any) {
	if g.Cancelled() {
		return
	}
	out := event.NewOutbound(s.origin(), t, data)
	p, err := s.corr.Request(s.transport.Send, out, event.ConsumerAuthorized, event.Error)
	if err != nil {
		s.authorized(g, t, event.Envelope{}, err)
		return
	}
	g.Add(p)
	p.Then(func(env event.Envelope, err error) { s.authorized(g, t, env, err) })
}

func (s *Session) authorized(g *task.Group, t event.Type, env event.Envelope, err error) {
	if errors.Is(err, correlator.ErrCancelled) {
		return
	}
	s.mu.Lock()
	if s.attempt != g {
		s.mu.Unlock()
		return
	}
	s.attempt = nil
	if err != nil {
		old := s.setLocked(s.connectFrom, nil)
		s.noteRuntime("authorize", err)
		s.unlock(old, g)
		if t == event.ReconnectCustomer {
			s.tokens.Clear()
		}
		_ = s.transport.Close()
		return
	}

	ev, ok := env.Event.(*event.ConsumerAuthorizedEvent)
	if !ok {
		ev = &event.ConsumerAuthorizedEvent{}
	}
	if id := ev.Identity.IDOnExternalPlatform; id != "" {
		s.identity.CustomerID = id
	}
	if ev.Identity.FirstName != "" {
		s.identity.FirstName, s.identity.LastName = ev.Identity.FirstName, ev.Identity.LastName
	}
	s.identity.Authorization = Authorization{}
	s.epoch++
	epoch := s.epoch
	old := s.setLocked(Connected, nil)
	s.note(func(o Observer) { o.OnConnected() })
	s.unlock(old, g)

	if ev.AccessToken != nil {
		s.tokens.Set(token.FromModel(*ev.AccessToken, s.now()))
	}
	s.saveIdentity()
	go s.checkAvailability(epoch)
}

// checkAvailability moves a fresh connection to Ready or Offline.
func (s *Session) checkAvailability(epoch uint64) {
	ok, err := s.channel.Availability(context.Background(), s.cfg.BrandID, s.cfg.ChannelID)

	s.mu.Lock()
	if s.epoch != epoch || s.State() != Connected {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.noteRuntime("availability", err)
		ok = false
	}
	next := Offline
	if ok {
		next = Ready
		s.note(func(o Observer) { o.OnReady() })
	}
	old := s.setLocked(next, nil)
	s.unlock(old)
}

func (s *Session) onDisconnect(err error) {
	s.mu.Lock()
	st := s.State()
	attempt := s.attempt
	if attempt == nil && !st.socketOpen() {
		s.mu.Unlock()
		return
	}
	s.attempt = nil
	s.epoch++
	old := s.setLocked(ConnectionLost, nil)
	s.note(func(o Observer) { o.OnUnexpectedDisconnect() })
	log.Warn().Err(err).Str("state", st.String()).Msg("Connection lost")
	s.unlock(old, attempt)

	s.corr.FailAll(correlator.ErrConnectionLost)
}

// Close closes the socket and returns to Prepared. Only event triggering
// remains possible afterwards. Close never fails.
func (s *Session) Close() {
	s.mu.Lock()
	st := s.State()
	switch st {
	case Initial:
		s.mu.Unlock()
		return
	case Preparing:
		old := s.setLocked(Initial, nil)
		s.unlock(old)
		return
	}
	attempt := s.attempt
	s.attempt = nil
	s.epoch++
	old := s.setLocked(Prepared, nil)
	s.unlock(old, attempt)

	_ = s.transport.Close()
	s.corr.FailAll(ErrClosed)
}

// Cancel returns to the nearest stable predecessor state. It is a no-op
// from stable states.
func (s *Session) Cancel() {
	s.mu.Lock()
	st := s.State()
	var next ChatState
	switch st {
	case Preparing:
		next = Initial
	case Connecting, ConnectionLost, Offline:
		next = Prepared
	default:
		s.mu.Unlock()
		return
	}
	attempt := s.attempt
	s.attempt = nil
	s.epoch++
	old := s.setLocked(next, nil)
	s.unlock(old, attempt)

	if next == Prepared {
		_ = s.transport.Close()
		s.corr.FailAll(ErrClosed)
	}
}

// SignOut clears authorization and identity, discards the session and
// returns to Initial.
func (s *Session) SignOut() {
	s.mu.Lock()
	attempt := s.attempt
	s.attempt = nil
	s.epoch++
	s.identity = Identity{}
	old := s.setLocked(Initial, nil)
	s.unlock(old, attempt)

	_ = s.transport.Close()
	s.corr.FailAll(ErrSignedOut)
	s.tokens.Clear()
	s.uploads.Clear()
	s.threads.Reset()

	if s.store != nil {
		if err := s.store.ClearIdentity(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to clear stored identity")
		}
	}
	log.Info().Msg("Signed out")
}

// Release stops background work. The session must not be used afterwards.
func (s *Session) Release() {
	s.Close()
	s.threads.Stop()
	s.uploads.Close()
	if s.ownedExec != nil {
		s.ownedExec.Close()
	}
}

// SetAuthorization sets the OAuth code used by the next authorization.
func (s *Session) SetAuthorization(code, verifier string) {
	s.mu.Lock()
	s.identity.Authorization = Authorization{Code: code, Verifier: verifier}
	s.mu.Unlock()
}

// SetUserName sets the customer display name.
func (s *Session) SetUserName(first, last string) {
	s.mu.Lock()
	s.identity.FirstName, s.identity.LastName = first, last
	s.mu.Unlock()
	s.saveIdentity()
}

// SetDeviceToken sets the push token reported on authorization.
func (s *Session) SetDeviceToken(tok string) {
	s.mu.Lock()
	s.identity.DeviceToken = tok
	s.mu.Unlock()
	s.saveIdentity()
}

// SetCustomerID sets the customer id. It must be called before Prepare to
// take effect for the first connection.
func (s *Session) SetCustomerID(id string) {
	s.mu.Lock()
	s.identity.CustomerID = id
	s.mu.Unlock()
	s.saveIdentity()
}

func (s *Session) saveIdentity() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	id := s.identity
	id.Authorization = Authorization{}
	s.mu.Unlock()
	if tok, ok := s.tokens.Current(); ok {
		id.Token = &tok
	} else {
		id.Token = nil
	}
	if err := s.store.SaveIdentity(context.Background(), id); err != nil {
		log.Error().Err(err).Msg("Failed to save identity")
	}
}

// origin describes the sender of outbound events.
func (s *Session) origin() event.Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return event.Origin{
		BrandID:   s.cfg.BrandID,
		ChannelID: s.cfg.ChannelID,
		Customer: &event.CustomerIdentity{
			IDOnExternalPlatform: s.identity.CustomerID,
			FirstName:            s.identity.FirstName,
			LastName:             s.identity.LastName,
		},
		VisitorID: s.identity.VisitorID,
	}
}
