// Package sched provides the bounded-concurrency primitives the connection
// layer uses to avoid dialing more peers at once than it can usefully
// service: a plain counting Scheduler, and a PeerLimiter that additionally
// lets concurrent callers share a single slot for the same endpoint.
package sched

import (
	"context"
	"fmt"
	"sync"
)

// Slot represents one unit of concurrency leased from a Scheduler. Release
// must be called to return the slot to the pool; calls after the first have
// no effect.
type Slot struct {
	release func()
	once    sync.Once
}

// Release returns the slot to its Scheduler. Safe to call multiple times;
// only the first call has effect.
func (s *Slot) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Scheduler bounds the number of concurrently active jobs to maxRunningJobs.
type Scheduler struct {
	sem chan struct{}
}

// NewScheduler creates a scheduler permitting maxRunningJobs concurrent
// slots.
func NewScheduler(maxRunningJobs int) *Scheduler {
	return &Scheduler{sem: make(chan struct{}, maxRunningJobs)}
}

// MaxRunningJobs returns the scheduler's concurrency bound.
func (s *Scheduler) MaxRunningJobs() int {
	return cap(s.sem)
}

// TryGetSlot attempts to acquire a slot without blocking, returning ok=false
// if the scheduler is already at capacity.
func (s *Scheduler) TryGetSlot() (*Slot, bool) {
	select {
	case s.sem <- struct{}{}:
		return s.newSlot(), true
	default:
		return nil, false
	}
}

// WaitForSlot blocks until a slot is available or ctx is done.
func (s *Scheduler) WaitForSlot(ctx context.Context) (*Slot, error) {
	select {
	case s.sem <- struct{}{}:
		return s.newSlot(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sched: WaitForSlot: %w", ctx.Err())
	}
}

func (s *Scheduler) newSlot() *Slot {
	return &Slot{release: func() { <-s.sem }}
}
