package biometric

import "sync"

// Slot enforces at most one active hardware listening session. Acquiring the
// slot cancels the attempt currently holding it; an attempt releases the slot
// when it turns terminal, so the slot never outlives the attempt it guards.
type Slot struct {
	mu     sync.Mutex
	active *Attempt
}

// Acquire makes a the active attempt. A previous attempt that is still active
// is canceled with ErrorCanceled before Acquire returns.
func (s *Slot) Acquire(a *Attempt) {
	s.mu.Lock()
	prev := s.active
	s.active = a
	s.mu.Unlock()

	if prev != nil && prev != a {
		prev.Cancel(ErrorCanceled)
	}

	a.OnTerminal(func() {
		s.mu.Lock()
		if s.active == a {
			s.active = nil
		}
		s.mu.Unlock()
	})
}

// Active returns the attempt holding the slot, or nil.
func (s *Slot) Active() *Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
