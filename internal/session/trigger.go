package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/event"
	"chatsdk/internal/task"
)

// ErrNoEvents is returned by TriggerEvent without events.
var ErrNoEvents = errors.New("no visitor events")

// TriggerEvent sends visitor events over REST. It is legal from Prepared
// upward, including after Close. sent, if non-nil, runs on the foreground
// executor with the outcome unless the returned handle was cancelled.
func (s *Session) TriggerEvent(events []VisitorEvent, sent func(error)) (task.Cancellable, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	s.mu.Lock()
	st := s.State()
	if st == Initial || st == Preparing {
		s.mu.Unlock()
		return nil, &InvalidStateError{Op: "trigger event", State: st}
	}
	visitorID := s.identity.VisitorID
	s.mu.Unlock()

	evs := make([]VisitorEvent, len(events))
	for i, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = s.now().UTC()
		}
		evs[i] = ev
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &task.Group{}
	g.Add(task.CancelFunc(cancel))
	go func() {
		defer cancel()
		err := s.channel.SendVisitorEvents(ctx, s.cfg.BrandID, visitorID, uuid.NewString(), evs)
		if err != nil && !g.Cancelled() {
			log.Warn().Err(err).Int("events", len(evs)).Msg("Failed to send visitor events")
		}
		if sent == nil {
			return
		}
		s.exec.Post(func() {
			if !g.Cancelled() {
				sent(err)
			}
		})
	}()
	return g, nil
}

// ExecuteTrigger asks the backend to run a trigger for the customer.
func (s *Session) ExecuteTrigger(triggerID string) error {
	return s.sendEvent(event.ExecuteTrigger, &event.TriggerData{Trigger: event.Identifier{ID: triggerID}})
}

// SetCustomerCustomFields sets custom fields on the customer profile.
func (s *Session) SetCustomerCustomFields(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	cf := make([]event.CustomField, 0, len(fields))
	for k, v := range fields {
		cf = append(cf, event.CustomField{Ident: k, Value: v})
	}
	return s.sendEvent(event.SetCustomerCustomFields, &event.CustomFieldsData{CustomFields: cf})
}

// OnProactiveAction subscribes fn to actions fired by the backend.
func (s *Session) OnProactiveAction(fn func(event.ProactiveAction)) task.Cancellable {
	return s.corr.Listen([]event.Type{event.FireProactiveAction}, "", func(env event.Envelope) {
		if ev, ok := env.Event.(*event.ProactiveActionEvent); ok {
			fn(ev.Action)
		}
	})
}
