package thread

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/attachment"
	"chatsdk/internal/correlator"
	"chatsdk/internal/event"
	"chatsdk/internal/task"
)

// Outgoing is a message about to be sent.
type Outgoing struct {
	Text        string
	Postback    string
	Attachments []attachment.Descriptor
}

// Handler operates on one thread. Handlers are cheap; all state lives in
// the Manager.
type Handler struct {
	m  *Manager
	id string
}

// ID returns the thread id.
func (h *Handler) ID() string { return h.id }

// Get returns the latest known snapshot.
func (h *Handler) Get() Thread {
	t, ok := h.m.Get(h.id)
	if !ok {
		return Thread{ID: h.id}
	}
	return t
}

// Subscribe observes the thread. The current snapshot is delivered first.
func (h *Handler) Subscribe(fn Listener) task.Cancellable {
	h.m.mu.Lock()
	r := h.m.ensure(h.id)
	c := r.listeners.Add(fn)
	snap := r.thread.clone()
	h.m.mu.Unlock()

	h.m.exec.Post(func() { fn(snap) })
	return c
}

type sendOp struct {
	mu         sync.Mutex
	cancelled  bool
	dispatched bool
}

// Send materializes a local placeholder immediately and dispatches the
// message once its attachments are resolved. An attachment lost to a
// transport failure is left out and l is detached, so neither callback runs.
// A rejected attachment is left out without further effect.
func (h *Handler) Send(out Outgoing, l SendListener) (Message, task.Cancellable, error) {
	if out.Text == "" && len(out.Attachments) == 0 {
		return Message{}, nil, ErrEmptyMessage
	}

	m := h.m
	msg := Message{
		ID:          uuid.NewString(),
		ThreadID:    h.id,
		Direction:   ToAgent,
		CreatedAt:   m.now(),
		Status:      Sending,
		Text:        out.Text,
		Postback:    out.Postback,
		ContentType: "TEXT",
	}
	for _, d := range out.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{FriendlyName: d.FriendlyName, MimeType: d.MimeType})
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Message{}, nil, ErrStopped
	}
	r := m.ensure(h.id)
	if !r.thread.CanAddMoreMessages || r.thread.State == Closed {
		m.mu.Unlock()
		return Message{}, nil, ErrThreadClosed
	}
	r.thread.Messages = append(r.thread.Messages, msg)
	r.thread.UpdatedAt = msg.CreatedAt
	if l.OnProcessed != nil || l.OnSent != nil {
		r.sends[msg.ID] = &pendingSend{listener: l}
	}
	ref := event.ThreadRef{IDOnExternalPlatform: h.id, ThreadName: r.thread.Name}
	var fields []event.CustomField
	if r.thread.State == Pending && len(r.pendingFields) > 0 {
		fields = fieldsToModel(r.pendingFields)
	}
	m.mu.Unlock()
	m.changed(h.id)

	op := &sendOp{}
	ctx, cancel := context.WithCancel(m.ctx)
	go func() {
		defer cancel()
		h.dispatch(ctx, op, msg, ref, fields, out.Attachments)
	}()

	return msg, task.Once(func() {
		cancel()
		op.mu.Lock()
		op.cancelled = true
		dispatched := op.dispatched
		op.mu.Unlock()

		h.m.update(h.id, func(r *record) {
			delete(r.sends, msg.ID)
			if !dispatched {
				dropPlaceholder(r, msg.ID)
			}
		})
	}), nil
}

func (h *Handler) dispatch(ctx context.Context, op *sendOp, msg Message, ref event.ThreadRef, fields []event.CustomField, descriptors []attachment.Descriptor) {
	m := h.m
	var (
		refs     []event.AttachmentRef
		resolved []Attachment
		detached bool
	)
	for _, d := range descriptors {
		e, err := m.backend.Upload(ctx, d)
		switch {
		case err == nil:
			refs = append(refs, event.AttachmentRef{URL: e.URL, FriendlyName: e.FriendlyName, MimeType: e.MimeType})
			resolved = append(resolved, Attachment{URL: e.URL, FriendlyName: e.FriendlyName, MimeType: e.MimeType})
		case errors.Is(err, attachment.ErrTransport):
			log.Warn().Err(err).Str("threadId", h.id).Str("messageId", msg.ID).Str("attachment", d.FriendlyName).Msg("Attachment upload failed, sending without it")
			detached = true
		default:
			log.Warn().Err(err).Str("threadId", h.id).Str("messageId", msg.ID).Str("attachment", d.FriendlyName).Msg("Attachment skipped")
		}
	}

	op.mu.Lock()
	if op.cancelled {
		op.mu.Unlock()
		return
	}
	op.dispatched = true
	op.mu.Unlock()

	if detached {
		m.mu.Lock()
		if r, ok := m.threads[h.id]; ok {
			delete(r.sends, msg.ID)
		}
		m.mu.Unlock()
	}

	data := &event.SendMessageData{
		Thread:               ref,
		IDOnExternalPlatform: msg.ID,
		Content:              event.MessageContent{Type: msg.ContentType, Payload: event.MessagePayload{Text: msg.Text, Postback: msg.Postback}},
		Attachments:          refs,
		ContactCustomFields:  fields,
	}
	sent := make(chan error, 1)
	m.backend.Send(event.SendMessage, h.id, data, func(err error) { sent <- err })
	var err error
	select {
	case err = <-sent:
	case <-ctx.Done():
		return
	}
	if err != nil {
		log.Error().Err(err).Str("threadId", h.id).Str("messageId", msg.ID).Msg("Failed to send message")
		m.update(h.id, func(r *record) {
			delete(r.sends, msg.ID)
			dropPlaceholder(r, msg.ID)
		})
		return
	}

	var processed, echoed *Message
	var listener SendListener
	m.update(h.id, func(r *record) {
		if len(fields) > 0 {
			r.pendingFields = nil
		}
		if r.thread.State == Pending {
			r.thread.State = Received
		}
		for i := range r.thread.Messages {
			if r.thread.Messages[i].ID == msg.ID && r.thread.Messages[i].Status == Sending {
				r.thread.Messages[i].Attachments = resolved
			}
		}
		p, ok := r.sends[msg.ID]
		if !ok {
			return
		}
		listener = p.listener
		cur, _ := r.thread.Message(msg.ID)
		processed = &cur
		if p.echo != nil {
			echoed = p.echo
			delete(r.sends, msg.ID)
		} else {
			p.processed = true
		}
	})

	if processed != nil && listener.OnProcessed != nil {
		fn, v := listener.OnProcessed, *processed
		m.exec.Post(func() { fn(v) })
	}
	if echoed != nil && listener.OnSent != nil {
		fn, v := listener.OnSent, *echoed
		m.exec.Post(func() { fn(v) })
	}
}

// owns reports whether ev is about h's thread. Events without a thread id
// are accepted.
func (h *Handler) owns(ev event.Event) bool {
	id := ev.ThreadID()
	if id != "" && id != h.id {
		log.Warn().Str("threadId", h.id).Str("answerThreadId", id).Str("type", string(ev.Type())).Msg("Dropping answer for another thread")
		return false
	}
	return true
}

// dropPlaceholder removes a message that never reached the server.
func dropPlaceholder(r *record, id string) {
	for i, cur := range r.thread.Messages {
		if cur.ID == id && cur.Status == Sending {
			r.thread.Messages = append(r.thread.Messages[:i], r.thread.Messages[i+1:]...)
			return
		}
	}
}

// sendEvent hands a fire-and-forget event to the backend. A failure known
// before it returns is returned; the outcome of a send held back by a token
// refresh is only logged.
func (m *Manager) sendEvent(t event.Type, threadID string, data event.Authenticated) error {
	result := make(chan error, 1)
	m.backend.Send(t, threadID, data, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	default:
	}
	go func() {
		if err := <-result; err != nil {
			log.Warn().Err(err).Str("threadId", threadID).Str("type", string(t)).Msg("Deferred event was not sent")
		}
	}()
	return nil
}

func ignoreCancel(err error) bool {
	return errors.Is(err, correlator.ErrCancelled)
}

func callReply(reply func(error), err error) {
	if reply != nil {
		reply(err)
	}
}

// LoadMore requests the page of messages older than the oldest loaded one.
// The thread must be observed through Subscribe.
func (h *Handler) LoadMore(reply func(error)) (task.Cancellable, error) {
	m := h.m
	m.mu.Lock()
	r := m.ensure(h.id)
	if r.listeners.Len() == 0 {
		m.mu.Unlock()
		return nil, ErrNoListener
	}
	if r.thread.ScrollToken == "" {
		m.mu.Unlock()
		return nil, ErrNoMoreMessages
	}
	data := &event.LoadMoreData{
		Thread:      event.ThreadRef{IDOnExternalPlatform: h.id},
		ScrollToken: r.thread.ScrollToken,
	}
	if oldest, ok := r.thread.Oldest(); ok {
		data.OldestMessageDatetime = oldest.CreatedAt
	}
	m.mu.Unlock()

	return m.backend.Request(event.LoadMoreMessages, h.id, data, func(env event.Envelope, err error) {
		if ignoreCancel(err) {
			return
		}
		if err != nil {
			callReply(reply, err)
			return
		}
		ev := env.Event.(*event.MoreMessagesLoadedEvent)
		if !h.owns(ev) {
			callReply(reply, ErrForeignThread)
			return
		}
		m.update(h.id, func(r *record) {
			r.thread.Messages = merge(r.thread.Messages, messagesFromModel(ev.Messages, h.id))
			r.thread.ScrollToken = ev.ScrollToken
		})
		callReply(reply, nil)
	}, event.MoreMessagesLoaded, event.Error), nil
}

// Refresh requests a fresh snapshot from the server. The result flows through
// the same listeners as every other change.
func (h *Handler) Refresh(reply func(error)) task.Cancellable {
	m := h.m
	data := &event.ThreadData{Thread: event.ThreadRef{IDOnExternalPlatform: h.id}}
	return m.backend.Request(event.RecoverThread, h.id, data, func(env event.Envelope, err error) {
		if ignoreCancel(err) {
			return
		}
		if err != nil {
			callReply(reply, err)
			return
		}
		ev := env.Event.(*event.ThreadRecoveredEvent)
		if !h.owns(ev) {
			callReply(reply, ErrForeignThread)
			return
		}
		m.update(h.id, func(r *record) { applyRecovered(&r.thread, ev) })
		callReply(reply, nil)
	}, event.ThreadRecovered, event.RecoveringThreadFailed, event.Error)
}

// Archive asks the server to archive the thread. Local state changes only
// when the confirmation arrives.
func (h *Handler) Archive(reply func(error)) task.Cancellable {
	m := h.m
	data := &event.ThreadData{Thread: event.ThreadRef{IDOnExternalPlatform: h.id}}
	return m.backend.Request(event.ArchiveThread, h.id, data, func(env event.Envelope, err error) {
		if ignoreCancel(err) {
			return
		}
		if err == nil && env.Event != nil && !h.owns(env.Event) {
			err = ErrForeignThread
		}
		if err == nil {
			m.update(h.id, func(r *record) {
				r.thread.State = Closed
				r.thread.CanAddMoreMessages = false
			})
		}
		callReply(reply, err)
	}, event.ThreadArchived, event.Error)
}

// LoadMetadata fetches the latest message of the thread.
func (h *Handler) LoadMetadata(reply func(error)) task.Cancellable {
	m := h.m
	data := &event.ThreadData{Thread: event.ThreadRef{IDOnExternalPlatform: h.id}}
	return m.backend.Request(event.LoadThreadMetadata, h.id, data, func(env event.Envelope, err error) {
		if ignoreCancel(err) {
			return
		}
		if err != nil {
			callReply(reply, err)
			return
		}
		ev := env.Event.(*event.ThreadMetadataLoadedEvent)
		if !h.owns(ev) {
			callReply(reply, ErrForeignThread)
			return
		}
		m.update(h.id, func(r *record) {
			applyRef(&r.thread, ev.Thread)
			if ev.LastMessage != nil {
				r.thread.Messages = merge(r.thread.Messages, []Message{messageFromModel(*ev.LastMessage, h.id)})
			}
		})
		callReply(reply, nil)
	}, event.ThreadMetadataLoaded, event.Error)
}

// MarkRead tells the agent that the customer saw the thread.
func (h *Handler) MarkRead() error {
	return h.m.sendEvent(event.MessageSeenByCustomer, h.id, &event.ThreadData{Thread: event.ThreadRef{IDOnExternalPlatform: h.id}})
}

// ReportTyping starts or ends the customer typing indicator.
func (h *Handler) ReportTyping(typing bool) error {
	t := event.SenderTypingEnded
	if typing {
		t = event.SenderTypingStarted
	}
	return h.m.sendEvent(t, h.id, &event.ThreadData{Thread: event.ThreadRef{IDOnExternalPlatform: h.id}})
}

// SetName renames the thread.
func (h *Handler) SetName(name string) error {
	data := &event.ThreadData{Thread: event.ThreadRef{IDOnExternalPlatform: h.id, ThreadName: name}}
	if err := h.m.sendEvent(event.UpdateThread, h.id, data); err != nil {
		return err
	}
	h.m.update(h.id, func(r *record) { r.thread.Name = name })
	return nil
}

// SetCustomFields sets contact custom fields. Before the thread exists
// remotely the fields are kept and sent with the first message.
func (h *Handler) SetCustomFields(fields map[string]string) error {
	m := h.m
	m.mu.Lock()
	r := m.ensure(h.id)
	pending := r.thread.State == Pending
	if pending {
		if r.pendingFields == nil {
			r.pendingFields = map[string]string{}
		}
		for k, v := range fields {
			r.pendingFields[k] = v
		}
	}
	m.mu.Unlock()

	if !pending {
		data := &event.CustomFieldsData{
			Thread:       &event.ThreadRef{IDOnExternalPlatform: h.id},
			CustomFields: fieldsToModel(fields),
		}
		if err := m.sendEvent(event.SetContactCustomFields, h.id, data); err != nil {
			return err
		}
	}
	m.update(h.id, func(r *record) {
		if r.thread.CustomFields == nil {
			r.thread.CustomFields = map[string]string{}
		}
		for k, v := range fields {
			r.thread.CustomFields[k] = v
		}
	})
	return nil
}
