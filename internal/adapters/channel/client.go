// Package channel is the REST client for channel configuration,
// availability and visitor events.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/session"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Client holds the configuration for the REST client.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a client for the environment at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("chat baseURL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid chat baseURL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)

	log.Debug().Str("baseURL", baseURL).Msg("Channel client configured")
	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// HTTPClient exposes the underlying resty client so uploads share its settings.
func (c *Client) HTTPClient() *resty.Client { return c.httpClient }

// StatusError is a non-2xx answer.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d, body: %s", e.Op, e.Status, e.Body)
}

func channelPath(brandID int64, channelID string) string {
	return "/chat/1.0/brand/" + strconv.FormatInt(brandID, 10) + "/channel/" + url.PathEscape(channelID)
}

// Configuration fetches the channel configuration.
func (c *Client) Configuration(ctx context.Context, brandID int64, channelID string) (session.Configuration, error) {
	path := channelPath(brandID, channelID)

	var cfg session.Configuration
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&cfg).
		Get(path)
	if err != nil {
		log.Error().Err(err).Str("url", path).Msg("Channel API: Configuration request failed")
		return session.Configuration{}, fmt.Errorf("channel configuration request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Channel API: Configuration returned an error")
		return session.Configuration{}, &StatusError{Op: "channel configuration", Status: resp.StatusCode(), Body: resp.String()}
	}
	if cfg.ChannelID == "" {
		cfg.ChannelID = channelID
	}

	log.Debug().
		Str("channelId", cfg.ChannelID).
		Bool("authorization", cfg.IsAuthorizationEnabled).
		Bool("multithread", cfg.IsMultithread).
		Msg("Channel configuration fetched")
	return cfg, nil
}

type availabilityResponse struct {
	Status string `json:"status"`
}

// Availability reports whether agents are online for the channel.
func (c *Client) Availability(ctx context.Context, brandID int64, channelID string) (bool, error) {
	path := channelPath(brandID, channelID) + "/availability"

	var out availabilityResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		Get(path)
	if err != nil {
		log.Error().Err(err).Str("url", path).Msg("Channel API: Availability request failed")
		return false, fmt.Errorf("channel availability request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Channel API: Availability returned an error")
		return false, &StatusError{Op: "channel availability", Status: resp.StatusCode(), Body: resp.String()}
	}

	switch out.Status {
	case StatusOnline:
		return true, nil
	case StatusOffline:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected availability status %q", out.Status)
	}
}

type visitorEventsRequest struct {
	VisitorID   string                 `json:"visitorId"`
	Events      []session.VisitorEvent `json:"events"`
	Destination destination            `json:"destination"`
}

type destination struct {
	ID string `json:"id"`
}

// SendVisitorEvents posts analytics events for a visitor.
func (c *Client) SendVisitorEvents(ctx context.Context, brandID int64, visitorID string, destinationID string, events []session.VisitorEvent) error {
	path := "/chat/1.0/brand/" + strconv.FormatInt(brandID, 10) + "/visitor/" + url.PathEscape(visitorID) + "/events"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(visitorEventsRequest{
			VisitorID:   visitorID,
			Events:      events,
			Destination: destination{ID: destinationID},
		}).
		Post(path)
	if err != nil {
		log.Error().Err(err).Str("url", path).Int("events", len(events)).Msg("Channel API: SendVisitorEvents request failed")
		return fmt.Errorf("visitor events request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Channel API: SendVisitorEvents returned an error")
		return &StatusError{Op: "visitor events", Status: resp.StatusCode(), Body: resp.String()}
	}

	log.Debug().Str("visitorId", visitorID).Int("events", len(events)).Msg("Visitor events sent")
	return nil
}
