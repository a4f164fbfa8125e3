package pipeline

import "sync"

// Signal is a cooperative cancellation flag shared by a pipeline run and its
// owner. The run checks it between stages and holds it while writing events
// and committing, so once Cancel returns the run records nothing further.
// A nil *Signal is never cancelled.
type Signal struct {
	mu        sync.Mutex
	cancelled bool
}

// NewSignal returns an armed signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Cancel flags the run. It waits for an in-progress guarded write to finish.
func (s *Signal) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (s *Signal) Cancelled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// guard runs fn unless the signal is cancelled. It reports whether fn ran.
func (s *Signal) guard(fn func() error) (bool, error) {
	if s == nil {
		return true, fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false, nil
	}
	return true, fn()
}
