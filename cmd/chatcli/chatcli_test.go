package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"chatsdk/internal/store"
	"chatsdk/pkg/chat"
)

var at = time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)

func sampleThreads() []chat.Thread {
	return []chat.Thread{
		{
			ID:        "t1",
			Name:      "Billing",
			State:     chat.ThreadReady,
			Agent:     &chat.Agent{FirstName: "Bo", LastName: "Ng"},
			UpdatedAt: at,
			Messages: []chat.Message{
				{ID: "m1", Direction: chat.ToAgent, Text: "hello", CreatedAt: at},
				{ID: "m2", Direction: chat.ToClient, Author: "Bo", Text: "hi there", CreatedAt: at,
					Attachments: []chat.Attachment{{URL: "https://cdn.example.com/x.png"}}},
			},
		},
		{ID: "t2", State: chat.ThreadClosed, UpdatedAt: at.Add(-time.Hour)},
	}
}

func TestRenderThreadsTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderThreads(&buf, sampleThreads(), "table", true))
	out := buf.String()
	assert.Contains(t, out, "2 thread(s)")
	assert.Contains(t, out, "Billing")
	assert.Contains(t, out, "Bo Ng")
	assert.Contains(t, out, "closed")
	assert.Contains(t, out, "hi there")
	assert.Contains(t, out, "https://cdn.example.com/x.png")
}

func TestRenderThreadsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderThreads(&buf, nil, "", false))
	assert.Contains(t, buf.String(), "No threads")
}

func TestRenderThreadsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderThreads(&buf, sampleThreads(), "json", false))

	var got []threadView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "ready", got[0].State)
	assert.Equal(t, "Bo Ng", got[0].Agent)
	assert.Empty(t, got[0].Messages)
}

func TestRenderThreadsYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderThreads(&buf, sampleThreads(), "yaml", true))
	assert.Contains(t, buf.String(), "id: t1")

	var got []threadView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	require.Len(t, got[0].Messages, 2)
	assert.Equal(t, "to_client", got[0].Messages[1].Direction)
	assert.Equal(t, []string{"https://cdn.example.com/x.png"}, got[0].Messages[1].Attachments)
}

func TestRenderThreadsUnknownFormat(t *testing.T) {
	assert.Error(t, renderThreads(&bytes.Buffer{}, nil, "xml", false))
}

func TestFormatMessage(t *testing.T) {
	assert.Contains(t, formatMessage(messageView{Direction: "to_agent", Text: "question"}), "you")
	assert.Contains(t, formatMessage(messageView{Direction: "to_client", Text: "answer"}), "agent")
	assert.Contains(t, formatMessage(messageView{Direction: "to_client", Author: "Bo", Text: "answer"}), "Bo")
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "threads", "send"})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestThreadsCached(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "chat.db")
	st, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	for _, th := range sampleThreads() {
		require.NoError(t, st.SaveThread(context.Background(), th))
	}
	require.NoError(t, st.Close())
	t.Setenv("STORE_DSN", dsn)

	out, err := execute(t, "threads", "--cached", "--format", "yaml")
	require.NoError(t, err)

	var got []threadView
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "Billing", got[0].Name)
}

func TestThreadsCachedNeedsStore(t *testing.T) {
	t.Setenv("STORE_DSN", "")
	_, err := execute(t, "threads", "--cached")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "STORE_DSN"))
}

func TestSendNeedsContent(t *testing.T) {
	_, err := execute(t, "send")
	assert.ErrorContains(t, err, "nothing to send")
}
