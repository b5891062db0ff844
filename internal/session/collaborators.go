package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"chatsdk/internal/task"
	"chatsdk/internal/token"
)

// Transport is the full-duplex socket.
type Transport interface {
	// Open connects and calls done with the outcome. It returns nil when the
	// connection completed, and done was called, before Open returned.
	Open(ctx context.Context, done func(error)) task.Cancellable
	Send(frame []byte) error
	OnFrame(fn func(frame []byte))
	// OnDisconnect is called when the connection drops without Close.
	OnDisconnect(fn func(err error))
	// Close ends the connection without reporting a disconnect.
	Close() error
}

// Channel is the REST side of the backend.
type Channel interface {
	Configuration(ctx context.Context, brandID int64, channelID string) (Configuration, error)
	Availability(ctx context.Context, brandID int64, channelID string) (bool, error)
	SendVisitorEvents(ctx context.Context, brandID int64, visitorID string, destinationID string, events []VisitorEvent) error
}

// FileType is an accepted attachment type.
type FileType struct {
	MimeType    string `json:"mimeType"`
	Description string `json:"description,omitempty"`
}

// FileRestrictions limit what may be attached.
type FileRestrictions struct {
	AllowedFileSizeMB    int        `json:"allowedFileSize"`
	AllowedFileTypes     []FileType `json:"allowedFileTypes"`
	IsAttachmentsEnabled bool       `json:"isAttachmentsEnabled"`
}

// Allows reports whether mimeType may be uploaded. An empty type list
// allows everything.
func (r FileRestrictions) Allows(mimeType string) bool {
	if !r.IsAttachmentsEnabled {
		return false
	}
	if len(r.AllowedFileTypes) == 0 {
		return true
	}
	return slices.ContainsFunc(r.AllowedFileTypes, func(t FileType) bool {
		if strings.HasSuffix(t.MimeType, "/*") {
			return strings.HasPrefix(mimeType, strings.TrimSuffix(t.MimeType, "*"))
		}
		return t.MimeType == mimeType
	})
}

// Configuration describes the channel as served by the backend.
type Configuration struct {
	ChannelID              string           `json:"channelId"`
	Name                   string           `json:"name,omitempty"`
	IsAuthorizationEnabled bool             `json:"isAuthorizationEnabled"`
	IsMultithread          bool             `json:"isThreadingEnabled"`
	IsLiveChat             bool             `json:"isLiveChat"`
	Features               map[string]bool  `json:"features,omitempty"`
	FileRestrictions       FileRestrictions `json:"fileRestrictions"`
}

// VisitorEvent is an analytics event sent over REST.
type VisitorEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"createdAtWithMilliseconds"`
	Data      map[string]any `json:"data,omitempty"`
}

// Authorization is the OAuth code exchange input supplied by the host.
type Authorization struct {
	Code     string `json:"code,omitempty"`
	Verifier string `json:"verifier,omitempty"`
}

// Identity is everything the session knows about the customer.
type Identity struct {
	CustomerID    string             `json:"customerId,omitempty"`
	VisitorID     string             `json:"visitorId,omitempty"`
	FirstName     string             `json:"firstName,omitempty"`
	LastName      string             `json:"lastName,omitempty"`
	DeviceToken   string             `json:"deviceToken,omitempty"`
	Authorization Authorization      `json:"authorization"`
	Token         *token.AccessToken `json:"token,omitempty"`
}

// IdentityStore keeps the identity across restarts.
type IdentityStore interface {
	LoadIdentity(ctx context.Context) (Identity, bool, error)
	SaveIdentity(ctx context.Context, id Identity) error
	ClearIdentity(ctx context.Context) error
}
