// Package semaphore provides a channel-based counting semaphore that can be
// combined with other channels in a select.
package semaphore

import "context"

type Semaphore struct {
	// Tokens holds the free permits. Receiving acquires, sending releases.
	Tokens chan struct{}
}

func New(n int) *Semaphore {
	s := &Semaphore{
		Tokens: make(chan struct{}, n),
	}
	for i := 0; i < n; i++ {
		s.Tokens <- struct{}{}
	}
	return s
}

// Acquire takes a permit, blocking until one is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.Tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit taken with Acquire.
func (s *Semaphore) Release() {
	select {
	case s.Tokens <- struct{}{}:
	default:
		panic("semaphore: release without acquire")
	}
}

// Free returns the number of available permits.
func (s *Semaphore) Free() int {
	return len(s.Tokens)
}
