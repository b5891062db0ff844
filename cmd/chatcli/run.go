package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatsdk/internal/statusapi"
	"chatsdk/pkg/chat"
)

func newRunCmd(o *options) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open an interactive chat",
		Long: `Open an interactive chat. Every line typed is sent to the thread.

Commands:
  /threads   list known threads
  /more      load older messages
  /archive   archive the thread
  /quit      leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), threadID)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread to resume; defaults to the most recent one")
	return cmd
}

func (o *options) run(ctx context.Context, in io.Reader, out io.Writer, threadID string) error {
	c, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer c.Release()

	var mu sync.Mutex
	printf := func(format string, a ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	watch := c.Observe(chat.ObserverFuncs{
		StateChanged: func(_, to chat.State) {
			printf("%s\n", stateStyle.Render("• "+to.String()))
		},
		UnexpectedDisconnect: func() {
			printf("%s\n", warningStyle.Render("connection lost, reconnecting"))
			go func() {
				if err := o.connect(ctx, c); err != nil {
					printf("%s %v\n", errorStyle.Render("reconnect failed:"), err)
				}
			}()
		},
		RuntimeError: func(err *chat.RuntimeError) {
			printf("%s %v\n", errorStyle.Render("error:"), err)
		},
	})
	defer watch.Cancel()

	if addr := o.cfg.StatusAddr; addr != "" {
		srv := statusapi.NewServer(addr, c.Session)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("Status API stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", addr).Msg("Status API listening")
	}

	if err := o.connect(ctx, c); err != nil {
		return err
	}

	h, err := o.pickThread(ctx, c, threadID)
	if err != nil {
		return err
	}
	printf("%s %s\n", headerStyle.Render("thread"), idStyle.Render(h.ID()))

	shown := make(map[string]bool)
	sub := h.Subscribe(func(t chat.Thread) {
		for _, m := range t.Messages {
			if shown[m.ID] || m.Direction != chat.ToClient {
				continue
			}
			shown[m.ID] = true
			printf("%s\n", formatMessage(messageViewOf(m)))
		}
		if t.Agent != nil && t.Agent.Typing {
			printf("%s\n", dateStyle.Render(t.Agent.Name()+" is typing…"))
		}
	})
	defer sub.Cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := o.handleLine(c, h, line, printf)
			if err != nil {
				printf("%s %v\n", errorStyle.Render("error:"), err)
			}
			if quit {
				return nil
			}
		}
	}
}

// pickThread resumes threadID, the most recent known thread, or a new one.
func (o *options) pickThread(ctx context.Context, c *chat.Client, threadID string) (*chat.ThreadHandler, error) {
	if threadID != "" {
		return c.Threads().Handler(threadID), nil
	}

	done := make(chan error, 1)
	fetch := c.Threads().Fetch(func(_ []chat.Thread, err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Msg("Thread list unavailable")
		}
	case <-ctx.Done():
		fetch.Cancel()
		return nil, ctx.Err()
	}

	for _, t := range c.Threads().Threads() {
		if t.State != chat.ThreadClosed {
			return c.Threads().Handler(t.ID), nil
		}
	}
	return c.Threads().Create("", nil), nil
}

func (o *options) handleLine(c *chat.Client, h *chat.ThreadHandler, line string, printf func(string, ...any)) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/threads":
		var sb strings.Builder
		if err := renderThreads(&sb, c.Threads().Threads(), "table", false); err != nil {
			return false, err
		}
		printf("%s", sb.String())
		return false, nil
	case "/more":
		_, err := h.LoadMore(func(err error) {
			if err != nil {
				printf("%s %v\n", errorStyle.Render("load more failed:"), err)
			}
		})
		return false, err
	case "/archive":
		h.Archive(func(err error) {
			if err != nil {
				printf("%s %v\n", errorStyle.Render("archive failed:"), err)
				return
			}
			printf("%s\n", stateStyle.Render("thread archived"))
		})
		return false, nil
	}

	_, _, err := h.Send(chat.Outgoing{Text: line}, chat.SendListener{
		OnSent: func(m chat.Message) {
			printf("%s\n", idStyle.Render("✓ "+m.ID))
		},
	})
	return false, err
}
