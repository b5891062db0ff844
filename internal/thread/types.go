// Package thread owns the authoritative in-memory state of every
// conversation thread and reconciles local sends with server events.
package thread

import (
	"slices"
	"sort"
	"strings"
	"time"

	"chatsdk/internal/event"
)

// Direction of a message.
type Direction int

const (
	ToAgent  Direction = iota // sent by the customer
	ToClient                  // sent by an agent or bot
)

func (d Direction) String() string {
	if d == ToClient {
		return "to_client"
	}
	return "to_agent"
}

// Status of a message. It only ever moves forward.
type Status int

const (
	Sending Status = iota
	Sent
	Seen
)

func (s Status) String() string {
	switch s {
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Seen:
		return "seen"
	default:
		return "unknown"
	}
}

// State of a thread.
type State int

const (
	// Pending threads exist locally only; the first message creates them remotely.
	Pending State = iota
	// Received threads are known from a thread list without their messages.
	Received
	// Loaded threads carry recovered history.
	Loaded
	// Ready threads have seen at least one live event since loading.
	Ready
	// Closed threads are archived and accept no more messages.
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Received:
		return "received"
	case Loaded:
		return "loaded"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Agent is the assignee of a thread.
type Agent struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Nickname  string `json:"nickname,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Typing    bool   `json:"typing"`
}

// Name is the display name of the agent.
func (a Agent) Name() string {
	if a.Nickname != "" {
		return a.Nickname
	}
	if a.LastName == "" {
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL          string `json:"url"`
	FriendlyName string `json:"friendlyName"`
	MimeType     string `json:"mimeType"`
}

// Message is one entry of a thread.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	Direction   Direction    `json:"direction"`
	CreatedAt   time.Time    `json:"createdAt"`
	Status      Status       `json:"status"`
	Author      string       `json:"author,omitempty"`
	Text        string       `json:"text,omitempty"`
	Postback    string       `json:"postback,omitempty"`
	ContentType string       `json:"contentType,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Thread is an immutable snapshot handed to observers. Messages are ordered
// oldest first.
type Thread struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name,omitempty"`
	State              State             `json:"state"`
	Messages           []Message         `json:"messages"`
	ScrollToken        string            `json:"scrollToken,omitempty"`
	CanAddMoreMessages bool              `json:"canAddMoreMessages"`
	ContactStatus      string            `json:"contactStatus,omitempty"`
	CustomFields       map[string]string `json:"customFields,omitempty"`
	Agent              *Agent            `json:"agent,omitempty"`
	PositionInQueue    int               `json:"positionInQueue"`
	AgentAvailable     bool              `json:"agentAvailable"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func (t Thread) clone() Thread {
	out := t
	out.Messages = slices.Clone(t.Messages)
	for i := range out.Messages {
		out.Messages[i].Attachments = slices.Clone(out.Messages[i].Attachments)
	}
	if t.CustomFields != nil {
		out.CustomFields = make(map[string]string, len(t.CustomFields))
		for k, v := range t.CustomFields {
			out.CustomFields[k] = v
		}
	}
	if t.Agent != nil {
		a := *t.Agent
		out.Agent = &a
	}
	return out
}

// Message returns the message with id, if present.
func (t Thread) Message(id string) (Message, bool) {
	i := slices.IndexFunc(t.Messages, func(m Message) bool { return m.ID == id })
	if i < 0 {
		return Message{}, false
	}
	return t.Messages[i], true
}

// Oldest returns the oldest message that is not a local placeholder.
func (t Thread) Oldest() (Message, bool) {
	for _, m := range t.Messages {
		if m.Status != Sending {
			return m, true
		}
	}
	return Message{}, false
}

// merge upserts incoming into existing by id and keeps the result ordered by
// creation time. A replaced message never moves its status backwards.
func merge(existing, incoming []Message) []Message {
	out := slices.Clone(existing)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok {
			if out[i].Status > m.Status {
				m.Status = out[i].Status
			}
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func agentFromModel(a *event.Agent) *Agent {
	if a == nil {
		return nil
	}
	return &Agent{ID: a.ID, FirstName: a.FirstName, LastName: a.Surname, Nickname: a.Nickname, ImageURL: a.ImageURL}
}

func messageFromModel(m event.MessageModel, threadID string) Message {
	msg := Message{
		ID:          m.IDOnExternalPlatform,
		ThreadID:    m.ThreadIDOnExternalPlatform,
		Direction:   ToAgent,
		CreatedAt:   m.CreatedAt,
		Status:      Sent,
		Text:        m.Content.Payload.Text,
		Postback:    m.Content.Payload.Postback,
		ContentType: m.Content.Type,
	}
	if msg.ThreadID == "" {
		msg.ThreadID = threadID
	}
	if m.Direction == event.DirectionOutbound {
		msg.Direction = ToClient
	}
	if m.UserStatistics != nil && (m.UserStatistics.SeenAt != nil || m.UserStatistics.ReadAt != nil) {
		msg.Status = Seen
	}
	switch {
	case m.AuthorUser != nil:
		msg.Author = agentFromModel(m.AuthorUser).Name()
	case m.AuthorEndUserIdentity != nil:
		msg.Author = strings.TrimSpace(m.AuthorEndUserIdentity.FirstName + " " + m.AuthorEndUserIdentity.LastName)
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{URL: a.URL, FriendlyName: a.FriendlyName, MimeType: a.MimeType})
	}
	return msg
}

func messagesFromModel(ms []event.MessageModel, threadID string) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, messageFromModel(m, threadID))
	}
	return out
}

func fieldsToModel(fields map[string]string) []event.CustomField {
	out := make([]event.CustomField, 0, len(fields))
	for k, v := range fields {
		out = append(out, event.CustomField{Ident: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ident < out[j].Ident })
	return out
}
