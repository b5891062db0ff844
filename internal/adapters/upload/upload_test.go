package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsdk/config"
	"chatsdk/internal/attachment"
)

func TestHTTPUploader(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/1.0/brand/5/channel/chat_1/attachment", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fileUrl":"https://cdn.example.com/a.txt"}`))
	}))
	defer srv.Close()

	u := NewHTTPUploader(resty.New().SetBaseURL(srv.URL), 5, "chat_1")
	ref, err := u.Upload(context.Background(), []byte("hello"), attachment.Metadata{FriendlyName: "a.txt", MimeType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.txt", ref.URL)

	raw, err := base64.StdEncoding.DecodeString(got.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	assert.Equal(t, "a.txt", got.FileName)
	assert.Equal(t, "text/plain", got.MimeType)
}

func TestHTTPUploaderClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
		want error
	}{
		{
			name: "server error",
			h:    func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) },
			want: attachment.ErrTransport,
		},
		{
			name: "missing url",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{}`))
			},
			want: attachment.ErrRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.h)
			defer srv.Close()
			u := NewHTTPUploader(resty.New().SetBaseURL(srv.URL), 5, "chat_1")
			_, err := u.Upload(context.Background(), []byte("x"), attachment.Metadata{FriendlyName: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPUploaderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	u := NewHTTPUploader(resty.New().SetBaseURL(url).SetTimeout(time.Second), 5, "chat_1")
	_, err := u.Upload(context.Background(), []byte("x"), attachment.Metadata{})
	assert.ErrorIs(t, err, attachment.ErrTransport)
}

func newS3(t *testing.T, cfg config.S3, prefix string) *S3Uploader {
	t.Helper()
	cfg.AccessKey, cfg.SecretKey = "key", "secret"
	u, err := NewS3Uploader(cfg, prefix)
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2026, 4, 9, 10, 0, 0, 0, time.UTC) }
	return u
}

func TestNewS3UploaderValidates(t *testing.T) {
	_, err := NewS3Uploader(config.S3{}, "")
	assert.Error(t, err)
	_, err = NewS3Uploader(config.S3{Bucket: "b"}, "")
	assert.Error(t, err)
}

func TestS3Key(t *testing.T) {
	u := newS3(t, config.S3{Bucket: "media"}, "chat/")
	assert.Equal(t, "chat/2026/04/09/images/id-1.png", u.Key(attachment.Metadata{MimeType: "image/png"}, "id-1"))
	assert.Equal(t, "chat/2026/04/09/documents/id-2.pdf", u.Key(attachment.Metadata{MimeType: "application/pdf"}, "id-2"))
	assert.Equal(t, "chat/2026/04/09/audio/id-3.ogg", u.Key(attachment.Metadata{MimeType: "audio/ogg"}, "id-3"))
	assert.Equal(t, "chat/2026/04/09/documents/id-4.bin", u.Key(attachment.Metadata{}, "id-4"))
}

func TestS3PublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.S3
		want string
	}{
		{
			name: "aws virtual hosted",
			cfg:  config.S3{Bucket: "media", Region: "eu-west-1"},
			want: "https://media.s3.eu-west-1.amazonaws.com/k.png",
		},
		{
			name: "aws path style for dotted bucket",
			cfg:  config.S3{Bucket: "media.example", Region: "eu-west-1"},
			want: "https://s3.eu-west-1.amazonaws.com/media.example/k.png",
		},
		{
			name: "compatible endpoint path style",
			cfg:  config.S3{Bucket: "media", Endpoint: "http://minio:9000/", PathStyle: true},
			want: "http://minio:9000/media/k.png",
		},
		{
			name: "compatible endpoint virtual hosted",
			cfg:  config.S3{Bucket: "media", Endpoint: "https://storage.example.com"},
			want: "https://media.storage.example.com/k.png",
		},
		{
			name: "public url wins",
			cfg:  config.S3{Bucket: "media", PublicURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com/media/k.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newS3(t, tt.cfg, "")
			assert.Equal(t, tt.want, u.PublicURL("k.png"))
		})
	}
}

func TestS3Upload(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
		ctype  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body, ctype = r.Method, r.URL.Path, string(raw), r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := newS3(t, config.S3{Bucket: "media", Endpoint: srv.URL, PathStyle: true}, "att")
	ref, err := u.Upload(context.Background(), []byte("png-bytes"), attachment.Metadata{FriendlyName: "a.png", MimeType: "image/png"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/media/att/2026/04/09/images/"), path)
	assert.True(t, strings.HasSuffix(path, ".png"), path)
	assert.Contains(t, body, "png-bytes")
	assert.Equal(t, "image/png", ctype)
	assert.True(t, strings.HasPrefix(ref.URL, srv.URL+"/media/att/"), ref.URL)
}
