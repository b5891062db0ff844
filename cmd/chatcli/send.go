package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatsdk/pkg/chat"
)

func newSendCmd(o *options) *cobra.Command {
	var (
		threadID string
		name     string
		attach   []string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one message and wait until the server confirms it",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := chat.Outgoing{Text: strings.Join(args, " ")}
			for _, path := range attach {
				out.Attachments = append(out.Attachments, chat.Descriptor{URI: path, FriendlyName: filepath.Base(path)})
			}
			if out.Text == "" && len(out.Attachments) == 0 {
				return fmt.Errorf("nothing to send: pass text or --attach")
			}

			ctx := cmd.Context()
			c, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer c.Release()
			if err := o.connect(ctx, c); err != nil {
				return err
			}

			var h *chat.ThreadHandler
			if threadID != "" {
				h = c.Threads().Handler(threadID)
			} else {
				h = c.Threads().Create(name, nil)
			}

			sent := make(chan chat.Message, 1)
			msg, handle, err := h.Send(out, chat.SendListener{
				OnSent: func(m chat.Message) { sent <- m },
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			select {
			case m := <-sent:
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
					customerStyle.Render("sent"), idStyle.Render(m.ID), stateStyle.Render("thread "+h.ID()))
				return nil
			case <-ctx.Done():
				handle.Cancel()
				return fmt.Errorf("message %s not confirmed within %s", msg.ID, wait)
			}
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Existing thread id; a new thread is created when empty")
	cmd.Flags().StringVar(&name, "name", "", "Name of the new thread")
	cmd.Flags().StringSliceVarP(&attach, "attach", "a", nil, "File or data: URL to attach (repeatable)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for the server echo")
	return cmd
}
