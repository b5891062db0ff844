package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatsdk/config"
	"chatsdk/pkg/chat"
	"chatsdk/pkg/logger"
)

var version = "dev"

// options are shared by every subcommand.
type options struct {
	cfg         *config.Config
	sessionName string
	logLevel    string
	timeout     time.Duration

	customerID string
	firstName  string
	lastName   string
	authCode   string
	verifier   string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "chatcli",
		Short: "Talk to a contact-center chat channel from the terminal",
		Long: `chatcli opens a customer chat session against a brand's channel.

Configuration comes from the environment or a .env file:
  CHAT_URL, SOCKET_URL, BRAND_ID, CHANNEL_ID   required
  STORE_DSN                                    keeps identity and threads across runs
  RABBITMQ_URL                                 mirrors session events
  STATUS_ADDR                                  serves the status API while running`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if o.logLevel != "" {
				cfg.LogLevel = o.logLevel
			}
			logger.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat, cfg.Development)
			o.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&o.sessionName, "session", "default", "Session name used in logs and mirrored events")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Override LOG_LEVEL")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "How long to wait for the session to become ready")
	root.PersistentFlags().StringVar(&o.customerID, "customer-id", "", "Customer id on the external platform")
	root.PersistentFlags().StringVar(&o.firstName, "first-name", "", "Customer first name")
	root.PersistentFlags().StringVar(&o.lastName, "last-name", "", "Customer last name")
	root.PersistentFlags().StringVar(&o.authCode, "auth-code", "", "OAuth authorization code")
	root.PersistentFlags().StringVar(&o.verifier, "code-verifier", "", "OAuth PKCE code verifier")

	root.AddCommand(newRunCmd(o), newThreadsCmd(o), newSendCmd(o))
	return root
}

// open builds the session and applies the identity flags.
func (o *options) open(ctx context.Context) (*chat.Client, error) {
	f := &chat.Factory{Config: o.cfg}
	c, err := f.New(ctx, o.sessionName)
	if err != nil {
		return nil, err
	}
	if o.customerID != "" {
		c.SetCustomerID(o.customerID)
	}
	if o.firstName != "" || o.lastName != "" {
		c.SetUserName(o.firstName, o.lastName)
	}
	if o.authCode != "" {
		c.SetAuthorization(o.authCode, o.verifier)
	}
	return c, nil
}

// connect prepares and connects c, returning once it is Ready or Offline.
func (o *options) connect(ctx context.Context, c *chat.Client) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	states := make(chan chat.State, 32)
	failures := make(chan error, 8)
	obs := c.Observe(chat.ObserverFuncs{
		StateChanged: func(_, to chat.State) {
			select {
			case states <- to:
			default:
			}
		},
		RuntimeError: func(err *chat.RuntimeError) {
			select {
			case failures <- err:
			default:
			}
		},
	})
	defer obs.Cancel()

	connecting := false
	startConnect := func() error {
		connecting = true
		return c.Connect()
	}

	switch c.State() {
	case chat.Initial:
		if err := c.Prepare(); err != nil {
			return err
		}
	case chat.Prepared, chat.ConnectionLost:
		if err := startConnect(); err != nil {
			return err
		}
	case chat.Ready, chat.Offline:
		return nil
	}
	// Prepare may already have finished synchronously
	if c.State() == chat.Prepared && !connecting {
		if err := startConnect(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.Cancel()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("session not ready after %s", o.timeout)
			}
			return ctx.Err()
		case err := <-failures:
			return err
		case s := <-states:
			log.Debug().Str("state", s.String()).Msg("Session state")
			switch s {
			case chat.Prepared:
				if !connecting {
					if err := startConnect(); err != nil {
						return err
					}
				}
			case chat.Ready, chat.Offline:
				return nil
			}
		}
	}
}
