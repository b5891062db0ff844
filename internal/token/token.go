// Package token holds the bearer credential used by outbound events and
// defers authenticated actions while an expired token is being refreshed.
package token

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatsdk/internal/event"
)

// ErrCleared is passed to deferred actions dropped by Clear.
var ErrCleared = errors.New("access token cleared")

// AccessToken is replaced wholesale on every refresh. ExpiresAt is fixed at
// receipt time.
type AccessToken struct {
	Token     string    `json:"token" db:"token"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
}

// New creates a token received at now with the issued lifetime.
func New(token string, lifetime time.Duration, now time.Time) AccessToken {
	return AccessToken{Token: token, CreatedAt: now, ExpiresAt: now.Add(lifetime)}
}

// FromModel converts the wire representation, whose lifetime is in seconds.
func FromModel(m event.AccessTokenModel, now time.Time) AccessToken {
	return New(m.Token, time.Duration(m.ExpiresIn)*time.Second, now)
}

// IsExpired reports whether the token is no longer usable at now.
func (t AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Manager is safe for concurrent use.
type Manager struct {
	now     func() time.Time
	refresh func(expired AccessToken)

	mu         sync.Mutex
	token      *AccessToken
	deferred   []deferredAction
	refreshing bool
}

// deferredAction waits for a refreshed token. Exactly one of run and fail is
// called.
type deferredAction struct {
	run  func(token string)
	fail func(err error)
}

func failAll(actions []deferredAction, err error) {
	for _, a := range actions {
		if a.fail != nil {
			a.fail(err)
		}
	}
}

// NewManager creates a manager. refresh is called, outside the lock, when an
// authenticated action finds the token expired; it must send the refresh
// request and eventually lead to Set or Fail.
func NewManager(refresh func(expired AccessToken), now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{now: now, refresh: refresh}
}

// Set replaces the token and runs every action deferred during the refresh.
func (m *Manager) Set(t AccessToken) {
	m.mu.Lock()
	m.token = &t
	m.refreshing = false
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	for _, a := range deferred {
		a.run(t.Token)
	}
}

// Current returns the token, if any.
func (m *Manager) Current() (AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return AccessToken{}, false
	}
	return *m.token, true
}

// Clear forgets the token. Deferred actions fail with ErrCleared.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.token = nil
	m.refreshing = false
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	failAll(deferred, ErrCleared)
}

// Fail ends a refresh that did not produce a token. Deferred actions fail
// with err.
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	deferred := m.deferred
	m.refreshing = false
	m.deferred = nil
	m.mu.Unlock()

	log.Warn().Err(err).Int("dropped", len(deferred)).Msg("Token refresh failed")
	failAll(deferred, err)
}

// Refreshing reports whether a refresh is in flight.
func (m *Manager) Refreshing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshing
}

// WithValid runs fn with the current token. Without a token fn runs with "".
// With an expired token fn is deferred until Set, and one refresh is
// requested no matter how many actions pile up. When the refresh fails or
// the token is cleared first, fail is called instead. fail may be nil.
func (m *Manager) WithValid(fn func(token string), fail func(err error)) {
	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		fn("")
		return
	}
	if !m.refreshing && !m.token.IsExpired(m.now()) {
		tok := m.token.Token
		m.mu.Unlock()
		fn(tok)
		return
	}

	m.deferred = append(m.deferred, deferredAction{run: fn, fail: fail})
	if m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	expired := *m.token
	m.mu.Unlock()

	log.Debug().Time("expiredAt", expired.ExpiresAt).Msg("Access token expired, refreshing")
	if m.refresh != nil {
		m.refresh(expired)
	}
}
