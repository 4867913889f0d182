// Package ksync provides the exit/join rendezvous semaphore and records
// the lock acquisition order required of callers. The per-component locks
// themselves are sync.Mutex fields inside each package; ksync does not
// wrap or enforce them.
package ksync

import (
	"context"

	"golang.org/x/sync/semaphore"
)

/// Order is the required lock acquisition order: process table, then
/// per-process lock, then frame allocator, then pin set, then swap slot
/// table, then inverted page table. A calling-convention contract among
/// the proc, mem, and paging packages; locks are not reentrant.
const Order = "process table -> per-process -> frame allocator -> pin set -> swap slot table -> inverted page table"

/// ExitSem is a one-shot rendezvous between an exiting child and a parent
/// blocked in join. Wraps a weighted semaphore at weight 1.
type ExitSem struct {
	sem *semaphore.Weighted
}

/// NewExitSem returns an ExitSem already acquired. Wait blocks until the
/// matching Signal releases it.
func NewExitSem() *ExitSem {
	s := semaphore.NewWeighted(1)
	s.Acquire(context.Background(), 1)
	return &ExitSem{sem: s}
}

/// Signal wakes a parent waiting in Wait.
func (e *ExitSem) Signal() {
	e.sem.Release(1)
}

/// Wait blocks until Signal has been called.
func (e *ExitSem) Wait(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.sem.Release(1)
	return nil
}
