package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is the top-level routing key of an outbound envelope.
type Action string

const (
	ActionChatWindowEvent Action = "chatWindowEvent"
	ActionRegister        Action = "register"
	ActionHeartbeat       Action = "heartbeat"
)

// Outbound is the envelope of every frame the client sends.
type Outbound struct {
	Action  Action  `json:"action"`
	EventID string  `json:"eventId"`
	Payload Payload `json:"payload"`
}

// Payload is the body of an outbound envelope.
type Payload struct {
	Brand            BrandRef          `json:"brand"`
	Channel          Identifier        `json:"channel"`
	Data             any               `json:"data,omitempty"`
	CustomerIdentity *CustomerIdentity `json:"customerIdentity,omitempty"`
	Visitor          *Identifier       `json:"visitor,omitempty"`
	Destination      *Identifier       `json:"destination,omitempty"`
	EventType        Type              `json:"eventType"`
}

// Origin is what every outbound event says about who sends it.
type Origin struct {
	BrandID   int64
	ChannelID string
	Customer  *CustomerIdentity
	VisitorID string
}

// NewOutbound builds a chat window event with a fresh event id.
func NewOutbound(origin Origin, eventType Type, data any) Outbound {
	out := Outbound{
		Action:  ActionChatWindowEvent,
		EventID: uuid.NewString(),
		Payload: Payload{
			Brand:            BrandRef{ID: origin.BrandID},
			Channel:          Identifier{ID: origin.ChannelID},
			Data:             data,
			CustomerIdentity: origin.Customer,
			EventType:        eventType,
		},
	}
	if origin.VisitorID != "" {
		out.Payload.Visitor = &Identifier{ID: origin.VisitorID}
	}
	return out
}

// WithDestination addresses the event to a thread.
func (o Outbound) WithDestination(id string) Outbound {
	o.Payload.Destination = &Identifier{ID: id}
	return o
}

// Encode serializes the envelope.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// TokenRef carries the bearer credential inside event data.
type TokenRef struct {
	Token string `json:"token"`
}

// Auth is embedded by every data payload that requires an access token.
type Auth struct {
	AccessToken *TokenRef `json:"accessToken,omitempty"`
}

// SetToken stores the bearer token.
func (a *Auth) SetToken(token string) {
	if token == "" {
		a.AccessToken = nil
		return
	}
	a.AccessToken = &TokenRef{Token: token}
}

// Authenticated is implemented by data payloads carrying an Auth.
type Authenticated interface {
	SetToken(token string)
}

// AuthorizationCode is the OAuth code exchange input.
type AuthorizationCode struct {
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	CodeVerifier      string `json:"codeVerifier,omitempty"`
}

// AuthorizeData is the AuthorizeCustomer payload.
type AuthorizeData struct {
	Authorization AuthorizationCode `json:"authorization"`
	DeviceToken   string            `json:"deviceToken,omitempty"`
	SDKPlatform   string            `json:"sdkPlatform"`
	SDKVersion    string            `json:"sdkVersion"`
}

// ReconnectData is the ReconnectCustomer payload.
type ReconnectData struct {
	Auth
}

// RefreshTokenData is the RefreshToken payload.
type RefreshTokenData struct {
	Auth
}

// ThreadData addresses a single thread.
type ThreadData struct {
	Auth
	Thread ThreadRef `json:"thread"`
}

// SendMessageData is the SendMessage payload.
type SendMessageData struct {
	Auth
	Thread               ThreadRef       `json:"thread"`
	IDOnExternalPlatform string          `json:"idOnExternalPlatform"`
	Content              MessageContent  `json:"messageContent"`
	Attachments          []AttachmentRef `json:"attachments,omitempty"`
	ContactCustomFields  []CustomField   `json:"consumerContact,omitempty"`
	CustomerCustomFields []CustomField   `json:"customerCustomFields,omitempty"`
}

// LoadMoreData is the LoadMoreMessages payload.
type LoadMoreData struct {
	Auth
	Thread                ThreadRef `json:"thread"`
	ScrollToken           string    `json:"scrollToken"`
	OldestMessageDatetime time.Time `json:"oldestMessageDatetime"`
}

// ThreadListData is the FetchThreadList payload.
type ThreadListData struct {
	Auth
}

// CustomFieldsData sets contact or customer custom fields.
type CustomFieldsData struct {
	Auth
	Thread       *ThreadRef    `json:"thread,omitempty"`
	CustomFields []CustomField `json:"customFields"`
}

// TriggerData is the ExecuteTrigger payload.
type TriggerData struct {
	Auth
	Trigger Identifier `json:"trigger"`
}
