// Package chat is the public entry point of the SDK. It re-exports the
// session, thread and attachment vocabulary and builds sessions from
// configuration through a Factory. Applications that need more than one
// session keep them in a Registry instead of a process-wide singleton.
package chat

import (
	"chatsdk/internal/attachment"
	"chatsdk/internal/session"
	"chatsdk/internal/task"
	"chatsdk/internal/thread"
)

type (
	Session           = session.Session
	State             = session.ChatState
	Observer          = session.Observer
	ObserverFuncs     = session.ObserverFuncs
	Identity          = session.Identity
	Configuration     = session.Configuration
	FileRestrictions  = session.FileRestrictions
	VisitorEvent      = session.VisitorEvent
	RuntimeError      = session.RuntimeError
	InvalidStateError = session.InvalidStateError

	Thread        = thread.Thread
	ThreadState   = thread.State
	Message       = thread.Message
	Agent         = thread.Agent
	Attachment    = thread.Attachment
	ThreadHandler = thread.Handler
	Outgoing      = thread.Outgoing
	SendListener  = thread.SendListener

	Descriptor  = attachment.Descriptor
	Cancellable = task.Cancellable
	Executor    = task.Executor
)

const (
	Initial        = session.Initial
	Preparing      = session.Preparing
	Prepared       = session.Prepared
	Connecting     = session.Connecting
	Connected      = session.Connected
	Ready          = session.Ready
	Offline        = session.Offline
	ConnectionLost = session.ConnectionLost
)

const (
	ToAgent  = thread.ToAgent
	ToClient = thread.ToClient

	ThreadPending  = thread.Pending
	ThreadReceived = thread.Received
	ThreadLoaded   = thread.Loaded
	ThreadReady    = thread.Ready
	ThreadClosed   = thread.Closed
)

var (
	ErrInvalidState       = session.ErrInvalidState
	ErrNotConnected       = session.ErrNotConnected
	ErrMissingCredentials = session.ErrMissingCredentials
	ErrClosed             = session.ErrClosed
	ErrSignedOut          = session.ErrSignedOut
	ErrNoEvents           = session.ErrNoEvents
	ErrUploadTransport    = attachment.ErrTransport
	ErrUploadRejected     = attachment.ErrRejected
	ErrUploadUnreadable   = attachment.ErrUnreadable
)
