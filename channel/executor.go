package channel

import (
	"sync"
)

// Executor runs tasks on a particular execution context.
type Executor interface {
	// Post schedules fn. It returns false if fn will never run.
	Post(fn func()) bool
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func()) bool

// Post calls f(fn).
func (f ExecutorFunc) Post(fn func()) bool {
	return f(fn)
}

// Inline runs tasks on the calling goroutine.
var Inline Executor = ExecutorFunc(func(fn func()) bool {
	fn()
	return true
})

// MainLoop is a single-goroutine executor. Tasks run one at a time in the
// order they were posted. It plays the role of the UI thread: handlers are
// invoked on it and replies are delivered on it.
type MainLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
	closed  bool
}

// NewMainLoop starts a new loop.
func NewMainLoop() *MainLoop {
	l := &MainLoop{
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go l.run()

	return l
}

// Post enqueues fn. Returns false after Close.
func (l *MainLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks, runs what is already queued and waits for
// the loop goroutine to exit. Calling Close from a task deadlocks.
func (l *MainLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.doneCh
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.closeCh)
	<-l.doneCh
}

func (l *MainLoop) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.closeCh:
			l.drain()
			return
		}
	}
}

func (l *MainLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
