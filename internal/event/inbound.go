package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned by Decode for frames whose type is not in the catalogue.
var ErrUnknownType = errors.New("unknown event type")

// Event is one decoded inbound payload. The set of implementations is closed;
// switch on the concrete type to handle them.
type Event interface {
	Type() Type
	// ThreadID is the thread the payload belongs to, or "" when it is not thread scoped.
	ThreadID() string
	isEvent()
}

// ConsumerAuthorizedEvent answers AuthorizeCustomer and ReconnectCustomer.
type ConsumerAuthorizedEvent struct {
	Identity    CustomerIdentity  `json:"consumerIdentity"`
	AccessToken *AccessTokenModel `json:"accessToken,omitempty"`
}

// TokenRefreshedEvent answers RefreshToken.
type TokenRefreshedEvent struct {
	AccessToken AccessTokenModel `json:"accessToken"`
}

// ThreadListFetchedEvent answers FetchThreadList.
type ThreadListFetchedEvent struct {
	Threads []ThreadRef `json:"threads"`
}

// ThreadRecoveredEvent carries a full thread snapshot.
type ThreadRecoveredEvent struct {
	Contact              *Contact       `json:"contact,omitempty"`
	Messages             []MessageModel `json:"messages"`
	Assignee             *Agent         `json:"inboxAssignee,omitempty"`
	Thread               ThreadRef      `json:"thread"`
	ScrollToken          string         `json:"messagesScrollToken"`
	CustomerCustomFields []CustomField  `json:"customerCustomFields,omitempty"`
}

// MoreMessagesLoadedEvent is one page of older messages.
type MoreMessagesLoadedEvent struct {
	Thread      ThreadRef      `json:"thread"`
	Messages    []MessageModel `json:"messages"`
	ScrollToken string         `json:"scrollToken"`
}

// ThreadArchivedEvent confirms an archive request.
type ThreadArchivedEvent struct {
	Thread ThreadRef `json:"thread"`
}

// ThreadMetadataLoadedEvent carries the latest message of a thread.
type ThreadMetadataLoadedEvent struct {
	Thread      ThreadRef     `json:"thread"`
	LastMessage *MessageModel `json:"lastMessage,omitempty"`
}

// MessageCreatedEvent is a new message, including the echo of our own sends.
type MessageCreatedEvent struct {
	Case    Contact      `json:"case"`
	Thread  ThreadRef    `json:"thread"`
	Message MessageModel `json:"message"`
}

// MessageReadChangedEvent reports that the agent saw a message.
type MessageReadChangedEvent struct {
	Message MessageModel `json:"message"`
}

// CaseStatusChangedEvent reports a contact status change.
type CaseStatusChangedEvent struct {
	Case Contact `json:"case"`
}

// AssignmentChangedEvent reports a new assignee.
type AssignmentChangedEvent struct {
	Case     Contact `json:"case"`
	Assignee *Agent  `json:"inboxAssignee,omitempty"`
}

// TypingEvent covers SenderTypingStarted and SenderTypingEnded.
type TypingEvent struct {
	typ    Type
	Thread ThreadRef `json:"thread"`
	User   *Agent    `json:"user,omitempty"`
}

// ProactiveActionEvent carries an action fired by the backend.
type ProactiveActionEvent struct {
	Action ProactiveAction `json:"proactiveAction"`
}

// PositionInQueueEvent reports the customer's place in the queue.
type PositionInQueueEvent struct {
	Thread         ThreadRef `json:"thread"`
	Position       int       `json:"positionInQueue"`
	AgentAvailable bool      `json:"isAgentAvailable"`
}

// FailureEvent is any of the failure postbacks.
type FailureEvent struct {
	typ           Type
	ErrorCode     string `json:"errorCode"`
	TransactionID string `json:"transactionId"`
	ErrorMessage  string `json:"errorMessage"`
}

func (*ConsumerAuthorizedEvent) Type() Type   { return ConsumerAuthorized }
func (*TokenRefreshedEvent) Type() Type       { return TokenRefreshed }
func (*ThreadListFetchedEvent) Type() Type    { return ThreadListFetched }
func (*ThreadRecoveredEvent) Type() Type      { return ThreadRecovered }
func (*MoreMessagesLoadedEvent) Type() Type   { return MoreMessagesLoaded }
func (*ThreadArchivedEvent) Type() Type       { return ThreadArchived }
func (*ThreadMetadataLoadedEvent) Type() Type { return ThreadMetadataLoaded }
func (*MessageCreatedEvent) Type() Type       { return MessageCreated }
func (*MessageReadChangedEvent) Type() Type   { return MessageReadChanged }
func (*CaseStatusChangedEvent) Type() Type    { return CaseStatusChanged }
func (*AssignmentChangedEvent) Type() Type    { return AssignmentChanged }
func (e *TypingEvent) Type() Type             { return e.typ }
func (*ProactiveActionEvent) Type() Type      { return FireProactiveAction }
func (*PositionInQueueEvent) Type() Type      { return SetPositionInQueue }
func (e *FailureEvent) Type() Type            { return e.typ }

func (*ConsumerAuthorizedEvent) ThreadID() string { return "" }
func (*TokenRefreshedEvent) ThreadID() string     { return "" }
func (*ThreadListFetchedEvent) ThreadID() string  { return "" }
func (e *ThreadRecoveredEvent) ThreadID() string {
	if e.Thread.IDOnExternalPlatform != "" {
		return e.Thread.IDOnExternalPlatform
	}
	if e.Contact != nil {
		return e.Contact.ThreadIDOnExternalPlatform
	}
	return ""
}
func (e *MoreMessagesLoadedEvent) ThreadID() string {
	if e.Thread.IDOnExternalPlatform != "" {
		return e.Thread.IDOnExternalPlatform
	}
	for _, m := range e.Messages {
		if m.ThreadIDOnExternalPlatform != "" {
			return m.ThreadIDOnExternalPlatform
		}
	}
	return ""
}
func (e *ThreadArchivedEvent) ThreadID() string       { return e.Thread.IDOnExternalPlatform }
func (e *ThreadMetadataLoadedEvent) ThreadID() string { return e.Thread.IDOnExternalPlatform }
func (e *MessageCreatedEvent) ThreadID() string {
	if e.Thread.IDOnExternalPlatform != "" {
		return e.Thread.IDOnExternalPlatform
	}
	if e.Message.ThreadIDOnExternalPlatform != "" {
		return e.Message.ThreadIDOnExternalPlatform
	}
	return e.Case.ThreadIDOnExternalPlatform
}
func (e *MessageReadChangedEvent) ThreadID() string { return e.Message.ThreadIDOnExternalPlatform }
func (e *CaseStatusChangedEvent) ThreadID() string  { return e.Case.ThreadIDOnExternalPlatform }
func (e *AssignmentChangedEvent) ThreadID() string  { return e.Case.ThreadIDOnExternalPlatform }
func (e *TypingEvent) ThreadID() string             { return e.Thread.IDOnExternalPlatform }
func (*ProactiveActionEvent) ThreadID() string      { return "" }
func (e *PositionInQueueEvent) ThreadID() string    { return e.Thread.IDOnExternalPlatform }
func (*FailureEvent) ThreadID() string              { return "" }

func (*ConsumerAuthorizedEvent) isEvent()   {}
func (*TokenRefreshedEvent) isEvent()       {}
func (*ThreadListFetchedEvent) isEvent()    {}
func (*ThreadRecoveredEvent) isEvent()      {}
func (*MoreMessagesLoadedEvent) isEvent()   {}
func (*ThreadArchivedEvent) isEvent()       {}
func (*ThreadMetadataLoadedEvent) isEvent() {}
func (*MessageCreatedEvent) isEvent()       {}
func (*MessageReadChangedEvent) isEvent()   {}
func (*CaseStatusChangedEvent) isEvent()    {}
func (*AssignmentChangedEvent) isEvent()    {}
func (*TypingEvent) isEvent()               {}
func (*ProactiveActionEvent) isEvent()      {}
func (*PositionInQueueEvent) isEvent()      {}
func (*FailureEvent) isEvent()              {}

// Error implements error so a failure postback can be returned as-is.
func (e *FailureEvent) Error() string {
	msg := string(e.typ)
	if e.ErrorCode != "" {
		msg += " [" + e.ErrorCode + "]"
	}
	if e.ErrorMessage != "" {
		msg += ": " + e.ErrorMessage
	}
	return msg
}

// decoders is the type-tag dispatch table.
var decoders = map[Type]func() Event{
	ConsumerAuthorized:     func() Event { return &ConsumerAuthorizedEvent{} },
	TokenRefreshed:         func() Event { return &TokenRefreshedEvent{} },
	ThreadListFetched:      func() Event { return &ThreadListFetchedEvent{} },
	ThreadRecovered:        func() Event { return &ThreadRecoveredEvent{} },
	MoreMessagesLoaded:     func() Event { return &MoreMessagesLoadedEvent{} },
	ThreadArchived:         func() Event { return &ThreadArchivedEvent{} },
	ThreadMetadataLoaded:   func() Event { return &ThreadMetadataLoadedEvent{} },
	MessageCreated:         func() Event { return &MessageCreatedEvent{} },
	MessageReadChanged:     func() Event { return &MessageReadChangedEvent{} },
	CaseStatusChanged:      func() Event { return &CaseStatusChangedEvent{} },
	AssignmentChanged:      func() Event { return &AssignmentChangedEvent{} },
	SenderTypingStarted:    func() Event { return &TypingEvent{typ: SenderTypingStarted} },
	SenderTypingEnded:      func() Event { return &TypingEvent{typ: SenderTypingEnded} },
	FireProactiveAction:    func() Event { return &ProactiveActionEvent{} },
	SetPositionInQueue:     func() Event { return &PositionInQueueEvent{} },
	RecoveringThreadFailed: func() Event { return &FailureEvent{typ: RecoveringThreadFailed} },
	TokenRefreshingFailed:  func() Event { return &FailureEvent{typ: TokenRefreshingFailed} },
	SendingMessageFailed:   func() Event { return &FailureEvent{typ: SendingMessageFailed} },
	Error:                  func() Event { return &FailureEvent{typ: Error} },
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	ID        string
	Type      Type
	CreatedAt time.Time
	Postback  bool
	Event     Event
}

type rawPostback struct {
	EventType Type            `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

type rawFrame struct {
	EventID   string          `json:"eventId"`
	Type      Type            `json:"type"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	Data      json.RawMessage `json:"data"`
	Postback  *rawPostback    `json:"postback,omitempty"`
}

// Decode parses a raw inbound frame. Frames with a type outside the
// catalogue return the partially filled envelope and ErrUnknownType.
func Decode(frame []byte) (Envelope, error) {
	var raw rawFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse frame: %w", err)
	}

	env := Envelope{ID: raw.EventID, Type: raw.Type}
	if raw.CreatedAt != nil {
		env.CreatedAt = *raw.CreatedAt
	}
	data := raw.Data
	if raw.Postback != nil {
		env.Postback = true
		env.Type = raw.Postback.EventType
		data = raw.Postback.Data
	}

	newEvent, ok := decoders[env.Type]
	if !ok {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	ev := newEvent()
	if len(bytes.TrimSpace(data)) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, ev); err != nil {
			return env, fmt.Errorf("failed to parse %s payload: %w", env.Type, err)
		}
	}
	env.Event = ev
	return env, nil
}
