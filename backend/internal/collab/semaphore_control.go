package collab

import (
	"context"
	"errors"
	"fmt"
)

var ErrSemaphoreNotHeld = errors.New("release failed, semaphore is not acquired")

// SemaphoreControl bounds concurrent work with a buffered channel.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = 1
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire semaphore: %w", ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}

// InUse reports how many slots are currently held.
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
