package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Environment variable names.
const (
	EnvChatURL       = "CHAT_URL"
	EnvSocketURL     = "SOCKET_URL"
	EnvBrandID       = "BRAND_ID"
	EnvChannelID     = "CHANNEL_ID"
	EnvClientVersion = "CLIENT_VERSION"

	EnvS3AccessKey = "S3_ACCESS_KEY"
	EnvS3SecretKey = "S3_SECRET_KEY"
	EnvS3Endpoint  = "S3_ENDPOINT"
	EnvS3Region    = "S3_REGION"
	EnvS3Bucket    = "S3_BUCKET"
)

// DefaultClientVersion is reported to the backend when CLIENT_VERSION is unset.
const DefaultClientVersion = "1.0.0"

// Session is the immutable record a chat session is constructed from.
type Session struct {
	ChatURL       string // REST base of the environment
	SocketURL     string // websocket endpoint of the environment
	BrandID       int64
	ChannelID     string
	ClientVersion string
}

// S3 holds the settings for the S3 upload backend.
type S3 struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// Config holds all configuration fields for the SDK and the CLI.
type Config struct {
	ChatURL       string
	SocketURL     string
	BrandID       int64
	ChannelID     string
	ClientVersion string

	LogLevel    string
	LogFormat   string
	Development bool

	PrepareMaxAttempts int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ResponseTimeout    time.Duration // 0 waits until the socket reports a disconnect

	UploadBackend     string // "http" or "s3"
	S3                S3
	MaxImageDimension uint

	StoreDSN            string
	RabbitMQURL         string
	RabbitMQQueuePrefix string
	RabbitMQQueue       string          // shared queue; empty gives every event its own queue
	RabbitMQEvents      map[string]bool // events that always get their own queue
	StatusAddr          string
}

// Default returns a Config with every optional field at its default.
func Default() *Config {
	return &Config{
		ClientVersion:       DefaultClientVersion,
		LogLevel:            "info",
		PrepareMaxAttempts:  3,
		RetryBaseDelay:      2 * time.Second,
		RetryMaxDelay:       32 * time.Second,
		UploadBackend:       "http",
		MaxImageDimension:   2048,
		RabbitMQQueuePrefix: "chatsdk",
	}
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file first; variables already set win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded, relying on environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Default()

	cfg.ChatURL = strings.TrimRight(getenv(EnvChatURL), "/")
	cfg.SocketURL = getenv(EnvSocketURL)
	cfg.ChannelID = getenv(EnvChannelID)
	if v := getenv(EnvClientVersion); v != "" {
		cfg.ClientVersion = v
	}
	if v := getenv(EnvBrandID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvBrandID, v, err)
		}
		cfg.BrandID = id
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFormat = getenv("LOG_FORMAT")
	cfg.Development = parseBool(getenv("CHAT_DEVELOPMENT"))

	var err error
	if cfg.PrepareMaxAttempts, err = intOr(getenv, "PREPARE_MAX_ATTEMPTS", cfg.PrepareMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = durationOr(getenv, "RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = durationOr(getenv, "RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if cfg.ResponseTimeout, err = durationOr(getenv, "RESPONSE_TIMEOUT", cfg.ResponseTimeout); err != nil {
		return nil, err
	}
	dim, err := intOr(getenv, "MAX_IMAGE_DIMENSION", int(cfg.MaxImageDimension))
	if err != nil {
		return nil, err
	}
	if dim < 0 {
		dim = 0
	}
	cfg.MaxImageDimension = uint(dim)

	if v := getenv("UPLOAD_BACKEND"); v != "" {
		cfg.UploadBackend = strings.ToLower(v)
	}
	cfg.S3 = S3{
		Endpoint:  getenv(EnvS3Endpoint),
		Region:    getenv(EnvS3Region),
		Bucket:    getenv(EnvS3Bucket),
		AccessKey: getenv(EnvS3AccessKey),
		SecretKey: getenv(EnvS3SecretKey),
		PathStyle: parseBool(getenv("S3_PATH_STYLE")),
		PublicURL: getenv("S3_PUBLIC_URL"),
	}

	cfg.StoreDSN = getenv("STORE_DSN")
	cfg.RabbitMQURL = getenv("RABBITMQ_URL")
	if v := getenv("RABBITMQ_QUEUE_PREFIX"); v != "" {
		cfg.RabbitMQQueuePrefix = v
	}
	cfg.RabbitMQQueue = getenv("RABBITMQ_QUEUE")
	if v := getenv("AMQP_SPECIFIC_EVENTS"); v != "" {
		cfg.RabbitMQEvents = make(map[string]bool)
		for _, ev := range strings.Split(v, ",") {
			if ev = strings.TrimSpace(ev); ev != "" {
				cfg.RabbitMQEvents[ev] = true
			}
		}
	}
	cfg.StatusAddr = getenv("STATUS_ADDR")

	log.Debug().
		Str("chatURL", cfg.ChatURL).
		Int64("brandID", cfg.BrandID).
		Str("channelID", cfg.ChannelID).
		Str("uploadBackend", cfg.UploadBackend).
		Msg("Configuration loaded")
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ChatURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvChatURL))
	}
	if c.SocketURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvSocketURL))
	}
	if c.BrandID <= 0 {
		errs = append(errs, fmt.Errorf("%s must be a positive integer", EnvBrandID))
	}
	if c.ChannelID == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvChannelID))
	}
	switch c.UploadBackend {
	case "http":
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s is required for the s3 upload backend", EnvS3Bucket))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown UPLOAD_BACKEND %q", c.UploadBackend))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	return errors.Join(errs...)
}

// Session returns the immutable session record.
func (c *Config) Session() Session {
	return Session{
		ChatURL:       c.ChatURL,
		SocketURL:     c.SocketURL,
		BrandID:       c.BrandID,
		ChannelID:     c.ChannelID,
		ClientVersion: c.ClientVersion,
	}
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func intOr(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationOr(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
