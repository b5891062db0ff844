package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsdk/internal/session"
	"chatsdk/internal/thread"
	"chatsdk/internal/token"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s1.Driver())
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, ok, err := s.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	tok := token.New("tok-1", time.Hour, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	in := session.Identity{
		CustomerID:    "cust-1",
		VisitorID:     "visitor-1",
		FirstName:     "Ann",
		LastName:      "Lee",
		DeviceToken:   "push-1",
		Authorization: session.Authorization{Code: "secret"},
		Token:         &tok,
	}
	require.NoError(t, s.SaveIdentity(ctx, in))

	got, ok, err := s.LoadIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cust-1", got.CustomerID)
	assert.Equal(t, "visitor-1", got.VisitorID)
	assert.Equal(t, "Ann", got.FirstName)
	assert.Equal(t, "Lee", got.LastName)
	assert.Equal(t, "push-1", got.DeviceToken)
	assert.Empty(t, got.Authorization.Code)
	require.NotNil(t, got.Token)
	assert.Equal(t, "tok-1", got.Token.Token)
	assert.True(t, tok.ExpiresAt.Equal(got.Token.ExpiresAt))

	// a later save replaces everything
	require.NoError(t, s.SaveIdentity(ctx, session.Identity{CustomerID: "cust-2"}))
	got, _, err = s.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cust-2", got.CustomerID)
	assert.Empty(t, got.FirstName)
	assert.Nil(t, got.Token)

	require.NoError(t, s.ClearIdentity(ctx))
	_, ok, err = s.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestThreadRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	in := thread.Thread{
		ID:                 "t1",
		Name:               "Billing",
		State:              thread.Ready,
		ScrollToken:        "tok-2",
		CanAddMoreMessages: true,
		ContactStatus:      "open",
		CustomFields:       map[string]string{"order": "42"},
		Agent:              &thread.Agent{ID: 9, FirstName: "Bo", LastName: "Ng"},
		PositionInQueue:    3,
		AgentAvailable:     true,
		UpdatedAt:          at,
		Messages: []thread.Message{
			{ID: "m1", ThreadID: "t1", Direction: thread.ToClient, CreatedAt: at.Add(-2 * time.Minute), Status: thread.Seen, Author: "Bo", Text: "hi"},
			{ID: "m2", ThreadID: "t1", Direction: thread.ToAgent, CreatedAt: at.Add(-time.Minute), Status: thread.Sent, Text: "invoice",
				Attachments: []thread.Attachment{{URL: "https://cdn/x.pdf", FriendlyName: "x.pdf", MimeType: "application/pdf"}}},
			{ID: "m3", ThreadID: "t1", Direction: thread.ToAgent, CreatedAt: at, Status: thread.Sending, Text: "pending"},
		},
	}
	require.NoError(t, s.SaveThread(ctx, in))
	require.NoError(t, s.SaveThread(ctx, thread.Thread{ID: "t0", State: thread.Closed, UpdatedAt: at.Add(-time.Hour)}))

	threads, err := s.LoadThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)

	got := threads[0]
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "Billing", got.Name)
	assert.Equal(t, thread.Ready, got.State)
	assert.Equal(t, "tok-2", got.ScrollToken)
	assert.True(t, got.CanAddMoreMessages)
	assert.Equal(t, map[string]string{"order": "42"}, got.CustomFields)
	require.NotNil(t, got.Agent)
	assert.Equal(t, "Bo Ng", got.Agent.Name())
	assert.Equal(t, 3, got.PositionInQueue)
	assert.True(t, at.Equal(got.UpdatedAt))

	require.Len(t, got.Messages, 2, "messages still being sent are not stored")
	assert.Equal(t, "m1", got.Messages[0].ID)
	assert.Equal(t, thread.Seen, got.Messages[0].Status)
	assert.Equal(t, thread.ToClient, got.Messages[0].Direction)
	require.Len(t, got.Messages[1].Attachments, 1)
	assert.Equal(t, "x.pdf", got.Messages[1].Attachments[0].FriendlyName)

	assert.Equal(t, "t0", threads[1].ID)
	assert.Nil(t, threads[1].Agent)
	assert.Empty(t, threads[1].Messages)

	// saving again replaces the message set
	in.Messages = in.Messages[:1]
	in.Name = "Billing 2"
	require.NoError(t, s.SaveThread(ctx, in))
	threads, err = s.LoadThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Billing 2", threads[0].Name)
	assert.Len(t, threads[0].Messages, 1)

	require.NoError(t, s.DeleteThreads(ctx))
	threads, err = s.LoadThreads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestStoreSeedsThreadManager(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.SaveThread(ctx, thread.Thread{ID: "t9", Name: "Saved", State: thread.Loaded, UpdatedAt: time.Now()}))

	m := thread.NewManager(nil, thread.Options{Persister: s})
	defer m.Stop()
	require.NoError(t, m.Restore(ctx))

	got, ok := m.Get("t9")
	require.True(t, ok)
	assert.Equal(t, "Saved", got.Name)
}
