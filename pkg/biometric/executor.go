package biometric

import "sync"

// Executor runs outcome deliveries. The caller chooses the thread callbacks
// run on by choosing the executor.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func())

// Execute calls f.
func (f ExecutorFunc) Execute(fn func()) {
	f(fn)
}

// InlineExecutor runs work on the calling goroutine.
type InlineExecutor struct{}

// Execute runs fn immediately.
func (InlineExecutor) Execute(fn func()) {
	fn()
}

// SerialExecutor runs work in submission order on a single goroutine, the
// same way a UI thread drains its message queue. The zero value is not usable;
// create one with NewSerialExecutor and Close it when done.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts the executor's goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Execute enqueues fn. Work submitted after Close is dropped.
func (e *SerialExecutor) Execute(fn func()) {
	_ = e.Submit(fn)
}

// Submit enqueues fn and reports ErrExecutorClosed after Close.
func (e *SerialExecutor) Submit(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
	return nil
}

// Close drains the already queued work and stops the goroutine.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Signal()
	}
	e.mu.Unlock()
	<-e.done
}

func (e *SerialExecutor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}
