package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"chatsdk/config"
	"chatsdk/internal/adapters/channel"
	"chatsdk/internal/adapters/socket"
	"chatsdk/internal/adapters/upload"
	"chatsdk/internal/attachment"
	"chatsdk/internal/retry"
	"chatsdk/internal/session"
	"chatsdk/internal/sink"
	"chatsdk/internal/store"
	"chatsdk/internal/task"
)

const defaultRequestTimeout = 30 * time.Second

// Factory builds sessions from a Config. Every collaborator left nil is
// derived from the configuration.
type Factory struct {
	Config *config.Config

	Executor  task.Executor
	Transport session.Transport
	Channel   session.Channel
	Uploader  attachment.Uploader
	// Publisher replaces the RabbitMQ connection dialed for RabbitMQURL.
	Publisher sink.Publisher
}

// Client is a session together with the resources the factory opened for it.
type Client struct {
	*session.Session

	Name  string
	Store *store.Store // nil without a StoreDSN
	Sink  *sink.Rabbit // nil without RabbitMQ

	detach task.Cancellable
}

// Release stops the session and closes the store and sink.
func (c *Client) Release() {
	if c.detach != nil {
		c.detach.Cancel()
	}
	c.Session.Release()
	if c.Sink != nil {
		if err := c.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("session", c.Name).Msg("Failed to close RabbitMQ sink")
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			log.Warn().Err(err).Str("session", c.Name).Msg("Failed to close store")
		}
	}
}

// New builds the session called name. Nothing is connected yet: the
// session starts in Initial.
func (f *Factory) New(ctx context.Context, name string) (*Client, error) {
	cfg := f.Config
	if cfg == nil {
		return nil, errors.New("chat factory has no configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ch := f.Channel
	var rest *channel.Client
	if ch == nil {
		c, err := channel.NewClient(cfg.ChatURL, defaultRequestTimeout)
		if err != nil {
			return nil, err
		}
		rest, ch = c, c
	}

	tr := f.Transport
	if tr == nil {
		t, err := socket.New(cfg.SocketURL, url.Values{
			"brandId":       {strconv.FormatInt(cfg.BrandID, 10)},
			"channelId":     {cfg.ChannelID},
			"clientVersion": {cfg.ClientVersion},
			"sdkPlatform":   {session.SDKPlatform},
		})
		if err != nil {
			return nil, fmt.Errorf("invalid socket URL: %w", err)
		}
		tr = t
	}

	up := f.Uploader
	if up == nil {
		var err error
		if up, err = f.uploader(rest); err != nil {
			return nil, err
		}
	}

	client := &Client{Name: name}
	opts := session.Options{
		Config:    cfg.Session(),
		Transport: tr,
		Channel:   ch,
		Uploader:  up,
		Loader:    attachment.Loader{MaxImageDimension: cfg.MaxImageDimension},
		Executor:  f.Executor,
		Retry: retry.Controller{
			Name:        "prepare",
			Base:        cfg.RetryBaseDelay,
			Max:         cfg.RetryMaxDelay,
			MaxAttempts: cfg.PrepareMaxAttempts,
		},
		ResponseTimeout: cfg.ResponseTimeout,
	}

	if cfg.StoreDSN != "" {
		st, err := store.Open(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		client.Store = st
		opts.Store, opts.Threads = st, st
	}

	sinkOpts := sink.Options{
		Session:  name,
		Prefix:   cfg.RabbitMQQueuePrefix,
		Queue:    cfg.RabbitMQQueue,
		Specific: cfg.RabbitMQEvents,
	}
	switch {
	case f.Publisher != nil:
		client.Sink = sink.New(f.Publisher, sinkOpts)
	case cfg.RabbitMQURL != "":
		r, err := sink.Dial(cfg.RabbitMQURL, sinkOpts)
		if err != nil {
			// mirroring is optional; the session works without it
			log.Warn().Err(err).Msg("RabbitMQ publishing disabled")
		} else {
			client.Sink = r
		}
	}

	client.Session = session.New(opts)
	if client.Sink != nil {
		client.detach = client.Sink.Attach(client.Session)
	}

	log.Info().
		Str("session", name).
		Int64("brandId", cfg.BrandID).
		Str("channelId", cfg.ChannelID).
		Bool("store", client.Store != nil).
		Bool("sink", client.Sink != nil).
		Msg("Chat session created")
	return client, nil
}

func (f *Factory) uploader(rest *channel.Client) (attachment.Uploader, error) {
	cfg := f.Config
	switch cfg.UploadBackend {
	case "s3":
		u, err := upload.NewS3Uploader(cfg.S3, "chat/"+cfg.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to configure s3 uploads: %w", err)
		}
		return u, nil
	default:
		if rest == nil {
			c, err := channel.NewClient(cfg.ChatURL, defaultRequestTimeout)
			if err != nil {
				return nil, err
			}
			rest = c
		}
		return upload.NewHTTPUploader(rest.HTTPClient(), cfg.BrandID, cfg.ChannelID), nil
	}
}
