package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsdk/internal/session"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("", 0)
	assert.Error(t, err)
}

func TestConfiguration(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/chat/1.0/brand/1086/channel/chat_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"channelId": "chat_1",
			"isAuthorizationEnabled": true,
			"isThreadingEnabled": true,
			"fileRestrictions": {
				"allowedFileSize": 40,
				"isAttachmentsEnabled": true,
				"allowedFileTypes": [{"mimeType": "image/*", "description": "images"}]
			}
		}`))
	})

	cfg, err := c.Configuration(context.Background(), 1086, "chat_1")
	require.NoError(t, err)
	assert.True(t, cfg.IsAuthorizationEnabled)
	assert.True(t, cfg.IsMultithread)
	assert.Equal(t, 40, cfg.FileRestrictions.AllowedFileSizeMB)
	assert.True(t, cfg.FileRestrictions.Allows("image/jpeg"))
}

func TestConfigurationError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})

	_, err := c.Configuration(context.Background(), 1, "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}

func TestAvailability(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    bool
		wantErr bool
	}{
		{name: "online", body: `{"status":"online"}`, want: true},
		{name: "offline", body: `{"status":"offline"}`, want: false},
		{name: "garbage", body: `{"status":"maybe"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/chat/1.0/brand/1/channel/chat_1/availability", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := c.Availability(context.Background(), 1, "chat_1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendVisitorEvents(t *testing.T) {
	var got visitorEventsRequest
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/1.0/brand/7/visitor/visitor-1/events", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := c.SendVisitorEvents(context.Background(), 7, "visitor-1", "dest-1", []session.VisitorEvent{
		{ID: "ev-1", Type: "PageView", CreatedAt: at, Data: map[string]any{"url": "/pricing"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "visitor-1", got.VisitorID)
	assert.Equal(t, "dest-1", got.Destination.ID)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "PageView", got.Events[0].Type)
	assert.True(t, at.Equal(got.Events[0].CreatedAt))
}
