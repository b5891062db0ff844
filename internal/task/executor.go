package task

import "sync"

// Executor runs callbacks on a designated execution context. Observers of
// session, thread and message changes are always called through one.
type Executor interface {
	Post(fn func())
}

// Inline runs callbacks on the caller's goroutine. Tests use it to make
// delivery synchronous.
type Inline struct{}

// Post calls fn immediately.
func (Inline) Post(fn func()) { fn() }

// Serial is the foreground executor: a single goroutine draining an
// unbounded FIFO queue, so callbacks never run concurrently and never block
// the goroutine that posted them.
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerial starts a serial executor.
func NewSerial() *Serial {
	s := &Serial{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Post enqueues fn. Calls after Close are dropped.
func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, fn)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// Close stops accepting work, drains what is queued and waits for the loop
// to exit.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

func (s *Serial) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}
