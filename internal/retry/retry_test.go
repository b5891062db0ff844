package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelaysGrowExponentiallyAndCap(t *testing.T) {
	c := Controller{Base: 2 * time.Second, Max: 10 * time.Second}
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, c.Delays(5))
}

func TestRunSucceedsAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	c := Controller{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 5}

	result := make(chan error, 1)
	c.Run(func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, func(err error) { result <- err })

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("done not called")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRunStopsAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	c := Controller{Base: time.Millisecond, MaxAttempts: 3, Verbose: func() bool { return true }}

	result := make(chan error, 1)
	c.Run(func(context.Context) error {
		attempts.Add(1)
		return boom
	}, func(err error) { result <- err })

	select {
	case err := <-result:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("done not called")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCancelStopsScheduledAttemptsAndSuppressesDone(t *testing.T) {
	var attempts atomic.Int32
	c := Controller{Base: time.Hour, MaxAttempts: 5}

	called := make(chan struct{}, 1)
	first := make(chan struct{})
	h := c.Run(func(context.Context) error {
		if attempts.Add(1) == 1 {
			close(first)
		}
		return errors.New("fail")
	}, func(error) { called <- struct{}{} })

	<-first
	h.Cancel()
	h.Cancel()

	select {
	case <-called:
		t.Fatal("done must not run after cancel")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCancelAbortsInFlightAttempt(t *testing.T) {
	c := Controller{}
	started := make(chan struct{})
	called := make(chan struct{}, 1)

	h := c.Run(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func(error) { called <- struct{}{} })

	<-started
	h.Cancel()

	select {
	case <-called:
		t.Fatal("done must not run after cancel")
	case <-time.After(30 * time.Millisecond):
	}
}
