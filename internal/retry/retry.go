// Package retry runs a fallible background operation with exponentially
// growing delays between a bounded number of attempts.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/task"
	"chatsdk/pkg/logger"
)

// Defaults used when a Controller field is zero.
const (
	DefaultBase        = 2 * time.Second
	DefaultMax         = 32 * time.Second
	DefaultMaxAttempts = 3
)

// Op is one attempt. ctx is cancelled when the whole sequence is cancelled.
type Op func(ctx context.Context) error

// Controller holds the retry policy. The zero value uses the defaults.
type Controller struct {
	Name        string
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Verbose decides whether attempt failures are logged; defaults to logger.Verbose.
	Verbose func() bool
}

// Delays returns the waits between the first n attempts.
func (c Controller) Delays(n int) []time.Duration {
	b := c.backoff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (c Controller) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base()
	b.MaxInterval = c.max()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c Controller) base() time.Duration {
	if c.Base > 0 {
		return c.Base
	}
	return DefaultBase
}

func (c Controller) max() time.Duration {
	if c.Max > 0 {
		return c.Max
	}
	return DefaultMax
}

func (c Controller) attempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (c Controller) verbose() bool {
	if c.Verbose != nil {
		return c.Verbose()
	}
	return logger.Verbose()
}

// Run starts op on a background goroutine and retries it until it succeeds
// or the attempts are exhausted, then calls done with the last result.
// Cancelling the returned handle stops any scheduled attempt and done is
// not called afterwards.
func (c Controller) Run(op Op, done func(error)) task.Cancellable {
	ctx, cancel := context.WithCancel(context.Background())
	var cancelled atomic.Bool

	finish := func(err error) {
		if cancelled.Load() || done == nil {
			return
		}
		done(err)
	}

	go func() {
		defer cancel()
		b := c.backoff()
		maxAttempts := c.attempts()
		for attempt := 1; ; attempt++ {
			err := op(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				finish(nil)
				return
			}
			if c.verbose() {
				log.Warn().Err(err).Str("op", c.Name).Int("attempt", attempt).Int("maxAttempts", maxAttempts).Msg("Attempt failed")
			}
			if attempt >= maxAttempts {
				finish(err)
				return
			}

			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	return task.Once(func() {
		cancelled.Store(true)
		cancel()
	})
}
