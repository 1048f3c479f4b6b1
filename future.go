package state

import (
	"context"
	"errors"
	"sync"
)

// ErrWaitInTurn is returned by Future.Wait when waiting would block the
// scheduler turn the pending call needs.
var ErrWaitInTurn = errors.New("waiting on a pending action from inside a scheduler turn")

// Future is the pending result of an action call.
type Future struct {
	done  chan struct{}
	once  sync.Once
	err   error
	sched Scheduler
}

func newFuture(sched Scheduler) *Future {
	return &Future{
		done:  make(chan struct{}),
		sched: sched,
	}
}

func resolvedFuture(err error) *Future {
	f := newFuture(nil)
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the call completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result of a completed call, and nil while it is pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Resolved reports whether the call completed.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the call completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	default:
	}

	if f.sched != nil && f.sched.InTurn() {
		return ErrWaitInTurn
	}

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
