package event

// Type is the event type tag carried by every frame.
type Type string

// Outbound event types.
const (
	AuthorizeCustomer       Type = "AuthorizeCustomer"
	ReconnectCustomer       Type = "ReconnectCustomer"
	RefreshToken            Type = "RefreshToken"
	SendMessage             Type = "SendMessage"
	LoadMoreMessages        Type = "LoadMoreMessages"
	FetchThreadList         Type = "FetchThreadList"
	RecoverThread           Type = "RecoverThread"
	ArchiveThread           Type = "ArchiveThread"
	LoadThreadMetadata      Type = "LoadThreadMetadata"
	MessageSeenByCustomer   Type = "MessageSeenByCustomer"
	UpdateThread            Type = "UpdateThread"
	SetContactCustomFields  Type = "SetConsumerContactCustomFields"
	SetCustomerCustomFields Type = "SetCustomerCustomFields"
	ExecuteTrigger          Type = "ExecuteTrigger"
)

// Inbound event types. SenderTypingStarted and SenderTypingEnded travel in
// both directions.
const (
	ConsumerAuthorized   Type = "ConsumerAuthorized"
	TokenRefreshed       Type = "TokenRefreshed"
	ThreadListFetched    Type = "ThreadListFetched"
	ThreadRecovered      Type = "ThreadRecovered"
	MoreMessagesLoaded   Type = "MoreMessagesLoaded"
	ThreadArchived       Type = "ThreadArchived"
	ThreadMetadataLoaded Type = "ThreadMetadataLoaded"
	MessageCreated       Type = "MessageCreated"
	MessageReadChanged   Type = "MessageReadChanged"
	CaseStatusChanged    Type = "CaseStatusChanged"
	AssignmentChanged    Type = "AssignmentChanged"
	SenderTypingStarted  Type = "SenderTypingStarted"
	SenderTypingEnded    Type = "SenderTypingEnded"
	FireProactiveAction  Type = "FireProactiveAction"
	SetPositionInQueue   Type = "SetPositionInQueue"

	RecoveringThreadFailed Type = "RecoveringThreadFailed"
	TokenRefreshingFailed  Type = "TokenRefreshingFailed"
	SendingMessageFailed   Type = "SendingMessageFailed"
	Error                  Type = "Error"
)

// IsKnown reports whether t is an inbound type the decoder can handle.
func IsKnown(t Type) bool {
	_, ok := decoders[t]
	return ok
}

// FailureTypes are the inbound types that report a failed request.
var FailureTypes = []Type{RecoveringThreadFailed, TokenRefreshingFailed, SendingMessageFailed, Error}

// ThreadTypes are the unsolicited types that mutate thread state.
var ThreadTypes = []Type{
	MessageCreated,
	MessageReadChanged,
	CaseStatusChanged,
	AssignmentChanged,
	SenderTypingStarted,
	SenderTypingEnded,
	SetPositionInQueue,
	ThreadArchived,
	ThreadRecovered,
}
