package connection

import (
	"context"
	"errors"
	"sync"
)

var errSlotAborted = errors.New("slot acquisition aborted")

// Slot is a FIFO mutual-exclusion lock for request/reply exchanges.
// Waiters are granted the slot in arrival order.
type Slot struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Acquire blocks until the caller holds the slot, ctx ends, or abort is closed.
// A caller whose ctx has ended never comes away holding the slot.
func (s *Slot) Acquire(ctx context.Context, abort <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.held {
		s.held = true
		s.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	s.waiters = append(s.waiters, grant)
	s.mu.Unlock()

	select {
	case <-grant:
		// the grant and the cancellation may race; cancellation wins
		if err := ctx.Err(); err != nil {
			s.Release()
			return err
		}
		return nil
	case <-ctx.Done():
		return s.leave(grant, ctx.Err())
	case <-abort:
		return s.leave(grant, errSlotAborted)
	}
}

// leave removes a waiter. If the slot was granted concurrently it is passed on.
func (s *Slot) leave(grant chan struct{}, err error) error {
	s.mu.Lock()
	for i, w := range s.waiters {
		if w == grant {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	s.Release()
	return err
}

// Release hands the slot to the longest waiting caller, or frees it.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) == 0 {
		s.held = false
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(next)
}

// Held reports whether some caller holds the slot.
func (s *Slot) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Waiting returns the number of callers queued behind the holder.
func (s *Slot) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
