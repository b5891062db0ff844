package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"chatsdk/internal/attachment"
	"chatsdk/internal/correlator"
	"chatsdk/internal/event"
	"chatsdk/internal/task"
	"chatsdk/internal/token"
)

// backend connects the thread synchronizer to the session's socket.
type backend struct {
	s *Session
}

// outbound stamps data with the current token and builds the envelope.
func (s *Session) outbound(t event.Type, destination string, data event.Authenticated, tok string) event.Outbound {
	data.SetToken(tok)
	out := event.NewOutbound(s.origin(), t, data)
	if destination != "" {
		out = out.WithDestination(destination)
	}
	return out
}

func (b *backend) Send(t event.Type, destination string, data event.Authenticated, done func(error)) {
	s := b.s
	if done == nil {
		done = func(error) {}
	}
	if !s.State().socketOpen() {
		done(ErrNotConnected)
		return
	}
	s.tokens.WithValid(func(tok string) {
		out := s.outbound(t, destination, data, tok)
		frame, err := out.Encode()
		if err != nil {
			done(err)
			return
		}
		if err := s.transport.Send(frame); err != nil {
			log.Warn().Err(err).Str("type", string(t)).Msg("Failed to send event")
			done(err)
			return
		}
		done(nil)
	}, func(err error) {
		log.Warn().Err(err).Str("type", string(t)).Msg("Event dropped, no valid access token")
		done(err)
	})
}

// sendEvent sends a fire-and-forget event. A failure known before it
// returns is returned; the outcome of a send held back by a token refresh
// is only logged by the backend.
func (s *Session) sendEvent(t event.Type, data event.Authenticated) error {
	result := make(chan error, 1)
	(&backend{s: s}).Send(t, "", data, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	default:
		return nil
	}
}

func (b *backend) Request(t event.Type, destination string, data event.Authenticated, reply func(event.Envelope, error), success event.Type, failures ...event.Type) task.Cancellable {
	s := b.s
	g := &task.Group{}
	fail := func(err error) {
		s.exec.Post(func() {
			if !g.Cancelled() && reply != nil {
				reply(event.Envelope{}, err)
			}
		})
	}
	if !s.State().socketOpen() {
		fail(ErrNotConnected)
		return g
	}
	s.tokens.WithValid(func(tok string) {
		if g.Cancelled() {
			return
		}
		out := s.outbound(t, destination, data, tok)
		p, err := s.corr.Request(s.transport.Send, out, success, failures...)
		if err != nil {
			fail(err)
			return
		}
		g.Add(p)
		if reply != nil {
			p.Then(reply)
		}
	}, fail)
	return g
}

func (b *backend) Listen(types []event.Type, threadID string, fn correlator.Listener) task.Cancellable {
	return b.s.corr.Listen(types, threadID, fn)
}

func (b *backend) Upload(ctx context.Context, d attachment.Descriptor) (attachment.Entry, error) {
	s := b.s
	s.mu.Lock()
	cfg := s.channelCfg
	s.mu.Unlock()
	if cfg != nil && d.MimeType != "" && !cfg.FileRestrictions.Allows(d.MimeType) {
		return attachment.Entry{}, attachment.ErrRejected
	}
	return s.uploads.Upload(ctx, d)
}

// refreshToken asks the backend for a new token. The token manager calls
// it once per expiry.
func (s *Session) refreshToken(expired token.AccessToken) {
	data := &event.RefreshTokenData{}
	data.SetToken(expired.Token)
	out := event.NewOutbound(s.origin(), event.RefreshToken, data)

	p, err := s.corr.Request(s.transport.Send, out, event.TokenRefreshed, event.TokenRefreshingFailed, event.Error)
	if err != nil {
		s.refreshFailed(err)
		return
	}
	p.Then(func(env event.Envelope, err error) {
		if err != nil {
			s.refreshFailed(err)
			return
		}
		ev, ok := env.Event.(*event.TokenRefreshedEvent)
		if !ok || ev.AccessToken.Token == "" {
			s.refreshFailed(errors.New("token refresh returned no token"))
			return
		}
		s.tokens.Set(token.FromModel(ev.AccessToken, s.now()))
		log.Debug().Msg("Access token refreshed")
		s.saveIdentity()
	})
}

func (s *Session) refreshFailed(err error) {
	s.tokens.Fail(err)
	if errors.Is(err, correlator.ErrCancelled) {
		return
	}
	s.mu.Lock()
	s.noteRuntime("refresh token", err)
	s.unlock(nil)
}
