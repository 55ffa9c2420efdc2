package biometric

import "sync"

// CancellationSignal is the push-based cancellation handle of one attempt.
// Canceling is idempotent and the registered listener runs at most once.
type CancellationSignal struct {
	mu       sync.Mutex
	canceled bool
	listener func()
	// owner is the attempt that registered listener, nil for SetOnCancel.
	owner *Attempt
}

// NewCancellationSignal returns a signal that has not been canceled.
func NewCancellationSignal() *CancellationSignal {
	return &CancellationSignal{}
}

// Cancel cancels the signal and runs the listener if one is registered.
func (s *CancellationSignal) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	fn := s.listener
	s.listener = nil
	s.owner = nil
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// IsCanceled reports whether Cancel has been called.
func (s *CancellationSignal) IsCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// SetOnCancel registers the listener, replacing any earlier one. If the
// signal is already canceled fn runs immediately.
func (s *CancellationSignal) SetOnCancel(fn func()) {
	s.bind(nil, fn)
}

// bind registers fn on behalf of owner.
func (s *CancellationSignal) bind(owner *Attempt, fn func()) {
	s.mu.Lock()
	if !s.canceled {
		s.listener = fn
		s.owner = owner
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// release drops the listener if owner still holds it. A later attempt that
// reuses the signal keeps its own listener.
func (s *CancellationSignal) release(owner *Attempt) {
	s.mu.Lock()
	if s.owner == owner {
		s.listener = nil
		s.owner = nil
	}
	s.mu.Unlock()
}
