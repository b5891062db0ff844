package event

import "time"

// Identifier is the {"id": ...} wrapper used for channel, visitor and destination.
type Identifier struct {
	ID string `json:"id"`
}

// BrandRef identifies the tenant.
type BrandRef struct {
	ID int64 `json:"id"`
}

// CustomerIdentity identifies the end user towards the backend.
type CustomerIdentity struct {
	IDOnExternalPlatform string `json:"idOnExternalPlatform"`
	FirstName            string `json:"firstName,omitempty"`
	LastName             string `json:"lastName,omitempty"`
}

// ThreadRef references a thread by its externally visible id.
type ThreadRef struct {
	IDOnExternalPlatform string `json:"idOnExternalPlatform"`
	ThreadName           string `json:"threadName,omitempty"`
	CanAddMoreMessages   *bool  `json:"canAddMoreMessages,omitempty"`
}

// Agent is a contact-center user.
type Agent struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	Surname   string `json:"surname"`
	Nickname  string `json:"nickname,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// CustomField is an ident/value pair on a contact or customer.
type CustomField struct {
	Ident string `json:"ident"`
	Value string `json:"value"`
}

// Contact is the backend case attached to a thread.
type Contact struct {
	ID                         string        `json:"id"`
	ThreadIDOnExternalPlatform string        `json:"threadIdOnExternalPlatform"`
	Status                     string        `json:"status"`
	CreatedAt                  time.Time     `json:"createdAt"`
	CustomFields               []CustomField `json:"customFields,omitempty"`
}

// AttachmentRef is an uploaded attachment as carried on the wire.
type AttachmentRef struct {
	URL          string `json:"url"`
	FriendlyName string `json:"friendlyName"`
	MimeType     string `json:"mimeType"`
}

// MessagePayload is the body of a message content.
type MessagePayload struct {
	Text     string `json:"text"`
	Postback string `json:"postback,omitempty"`
}

// MessageContent is the typed content of a message. Only TEXT is
// interpreted; other types keep their raw payload.
type MessageContent struct {
	Type    string         `json:"type"`
	Payload MessagePayload `json:"payload"`
}

// UserStatistics carries read receipts.
type UserStatistics struct {
	SeenAt *time.Time `json:"seenAt,omitempty"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// Message directions on the wire.
const (
	DirectionInbound  = "inbound"  // customer to agent
	DirectionOutbound = "outbound" // agent to customer
)

// MessageModel is a message as carried on the wire.
type MessageModel struct {
	IDOnExternalPlatform       string            `json:"idOnExternalPlatform"`
	ThreadIDOnExternalPlatform string            `json:"threadIdOnExternalPlatform"`
	Direction                  string            `json:"direction"`
	CreatedAt                  time.Time         `json:"createdAt"`
	Content                    MessageContent    `json:"messageContent"`
	Attachments                []AttachmentRef   `json:"attachments,omitempty"`
	AuthorUser                 *Agent            `json:"authorUser,omitempty"`
	AuthorEndUserIdentity      *CustomerIdentity `json:"authorEndUserIdentity,omitempty"`
	UserStatistics             *UserStatistics   `json:"userStatistics,omitempty"`
}

// AccessTokenModel is the token as issued by the backend. ExpiresIn is in seconds.
type AccessTokenModel struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// ProactiveAction describes an action fired by the backend.
type ProactiveAction struct {
	ActionID   string         `json:"actionId"`
	ActionName string         `json:"actionName"`
	ActionType string         `json:"actionType"`
	Data       map[string]any `json:"data,omitempty"`
}
