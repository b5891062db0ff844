package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		EnvChatURL:   "https://chat.example.com/",
		EnvSocketURL: "wss://socket.example.com",
		EnvBrandID:   "1386",
		EnvChannelID: "chat_abc",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.ChatURL)
	assert.Equal(t, int64(1386), cfg.BrandID)
	assert.Equal(t, DefaultClientVersion, cfg.ClientVersion)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 3, cfg.PrepareMaxAttempts)
	assert.Equal(t, time.Duration(0), cfg.ResponseTimeout)
	assert.Equal(t, "http", cfg.UploadBackend)
	require.NoError(t, cfg.Validate())

	s := cfg.Session()
	assert.Equal(t, "chat_abc", s.ChannelID)
	assert.Equal(t, "wss://socket.example.com", s.SocketURL)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"RETRY_BASE_DELAY":     "100ms",
		"RETRY_MAX_DELAY":      "1s",
		"RESPONSE_TIMEOUT":     "15s",
		"CHAT_DEVELOPMENT":     "true",
		"UPLOAD_BACKEND":       "S3",
		EnvS3Bucket:            "media",
		"MAX_IMAGE_DIMENSION":  "512",
		"RABBITMQ_QUEUE":       "events",
		"AMQP_SPECIFIC_EVENTS": "ready, runtime_error,",
	}))
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 15*time.Second, cfg.ResponseTimeout)
	assert.True(t, cfg.Development)
	assert.Equal(t, "s3", cfg.UploadBackend)
	assert.Equal(t, "media", cfg.S3.Bucket)
	assert.Equal(t, uint(512), cfg.MaxImageDimension)
	assert.Equal(t, "events", cfg.RabbitMQQueue)
	assert.Equal(t, map[string]bool{"ready": true, "runtime_error": true}, cfg.RabbitMQEvents)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	_, err := FromEnv(env(map[string]string{EnvBrandID: "abc"}))
	assert.Error(t, err)

	_, err = FromEnv(env(map[string]string{"RETRY_BASE_DELAY": "soon"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvChatURL)
	assert.Contains(t, err.Error(), EnvChannelID)

	cfg.ChatURL = "https://x"
	cfg.SocketURL = "wss://x"
	cfg.BrandID = 1
	cfg.ChannelID = "c"
	cfg.UploadBackend = "s3"
	assert.ErrorContains(t, cfg.Validate(), EnvS3Bucket)

	cfg.UploadBackend = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "ftp")
}
