package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOnceCancelsExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	c := Once(func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestGroupCancelsLateMembers(t *testing.T) {
	var g Group
	var first, late atomic.Bool
	g.Add(CancelFunc(func() { first.Store(true) }))
	g.Cancel()
	g.Add(CancelFunc(func() { late.Store(true) }))

	assert.True(t, first.Load())
	assert.True(t, late.Load())
	assert.True(t, g.Cancelled())
}

func TestSerialPreservesOrder(t *testing.T) {
	s := NewSerial()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	s.Close()

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialDropsAfterClose(t *testing.T) {
	s := NewSerial()
	s.Close()

	ran := make(chan struct{}, 1)
	s.Post(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("callback ran after Close")
	case <-time.After(20 * time.Millisecond):
	}
}
