package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"chatsdk/internal/store"
	"chatsdk/pkg/chat"
)

func newThreadsCmd(o *options) *cobra.Command {
	var (
		format   string
		cached   bool
		messages bool
	)
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List the customer's threads",
		Long: `List the customer's threads.

With --cached the threads are read from STORE_DSN without connecting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var threads []chat.Thread
			var err error
			if cached {
				threads, err = cachedThreads(ctx, o.cfg.StoreDSN)
			} else {
				threads, err = o.fetchThreads(ctx)
			}
			if err != nil {
				return err
			}
			return renderThreads(cmd.OutOrStdout(), threads, format, messages)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json or yaml")
	cmd.Flags().BoolVar(&cached, "cached", false, "Read threads from the store instead of the server")
	cmd.Flags().BoolVarP(&messages, "messages", "m", false, "Include messages")
	return cmd
}

func cachedThreads(ctx context.Context, dsn string) ([]chat.Thread, error) {
	if dsn == "" {
		return nil, errors.New("--cached needs STORE_DSN")
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.LoadThreads(ctx)
}

func (o *options) fetchThreads(ctx context.Context) ([]chat.Thread, error) {
	c, err := o.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Release()
	if err := o.connect(ctx, c); err != nil {
		return nil, err
	}

	type result struct {
		threads []chat.Thread
		err     error
	}
	done := make(chan result, 1)
	h := c.Threads().Fetch(func(threads []chat.Thread, err error) {
		done <- result{threads, err}
	})
	select {
	case r := <-done:
		return r.threads, r.err
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}
