package state

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Scheduler runs work in serialised turns. Posted tasks each get their own
// turn; deferred tasks run when the current turn ends, before the next
// posted task starts.
type Scheduler interface {
	// Post queues task for a later turn.
	Post(task func()) error
	// Defer queues task to run at the end of the current turn. Outside a turn
	// it behaves like Post.
	Defer(task func())
	// Yield runs the deferred tasks queued so far in the current turn. It is a
	// no-op outside a turn.
	Yield()
	// InTurn reports whether the calling goroutine is running a turn.
	InTurn() bool
	// Suspend releases the current turn while fn runs, so other tasks can
	// run, and takes the turn back before returning. Outside a turn it just
	// runs fn.
	Suspend(fn func())
}

// LoopOption configures a Loop
type LoopOption func(*Loop)

// WithLoopLogger sets the logger used to report panicking tasks
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// Loop is a Scheduler that runs one turn at a time. A turn suspended with
// Suspend hands the queue to another goroutine until it resumes.
type Loop struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []func()
	deferred []func()
	closed   bool
	owner    atomic.Int64
	done     chan struct{}
	logger   *slog.Logger

	// suspended counts turns waiting in Suspend. wake is closed and replaced
	// whenever one resumes.
	suspended int
	wake      chan struct{}
	// parked maps a goroutine that resumed a turn to the worker waiting for
	// that turn to end.
	parked map[int64]chan struct{}
}

// NewLoop starts a loop goroutine. Close stops it.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		done:   make(chan struct{}),
		logger: slog.Default(),
		wake:   make(chan struct{}),
		parked: make(map[int64]chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	for _, opt := range opts {
		opt(l)
	}

	go l.work()
	return l
}

func (l *Loop) Post(task func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrSchedulerClosed
	}
	l.tasks = append(l.tasks, task)
	l.cond.Broadcast()
	return nil
}

func (l *Loop) Defer(task func()) {
	if !l.InTurn() {
		if err := l.Post(task); err != nil {
			l.logger.Debug("dropping deferred task", "error", err)
		}
		return
	}

	l.mu.Lock()
	l.deferred = append(l.deferred, task)
	l.mu.Unlock()
}

func (l *Loop) Yield() {
	if !l.InTurn() {
		return
	}

	for {
		l.mu.Lock()
		if len(l.deferred) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.deferred[0]
		l.deferred = l.deferred[1:]
		l.mu.Unlock()

		l.runTask(task)
	}
}

func (l *Loop) InTurn() bool {
	return l.owner.Load() == goid.Get()
}

func (l *Loop) Suspend(fn func()) {
	if !l.InTurn() {
		fn()
		return
	}

	l.Yield()
	id := goid.Get()

	l.mu.Lock()
	l.suspended++
	worker, ok := l.parked[id]
	delete(l.parked, id)
	l.mu.Unlock()

	l.owner.Store(0)
	if ok {
		close(worker)
	} else {
		go l.work()
	}

	defer l.resume(id)
	fn()
}

// resume queues a task that hands its turn to goroutine id and parks the
// worker running it until that turn ends.
func (l *Loop) resume(id int64) {
	resumed := make(chan struct{})
	turnDone := make(chan struct{})

	l.mu.Lock()
	l.tasks = append(l.tasks, func() {
		worker := l.owner.Load()
		close(resumed)
		<-turnDone
		l.owner.Store(worker)
	})
	l.cond.Broadcast()
	l.mu.Unlock()

	<-resumed
	l.mu.Lock()
	l.suspended--
	l.parked[id] = turnDone
	close(l.wake)
	l.wake = make(chan struct{})
	l.mu.Unlock()

	l.owner.Store(id)
}

// Idle blocks until every task posted so far, and any work they queued, has
// run, suspended turns included. It returns immediately when called from
// inside a turn.
func (l *Loop) Idle(ctx context.Context) error {
	if l.InTurn() {
		return nil
	}

	for {
		barrier := make(chan struct{})
		if err := l.Post(func() { close(barrier) }); err != nil {
			select {
			case <-l.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-barrier:
		case <-ctx.Done():
			return ctx.Err()
		}

		l.mu.Lock()
		empty := len(l.tasks) == 0
		suspended := l.suspended > 0
		wake := l.wake
		l.mu.Unlock()
		if empty && !suspended {
			return nil
		}
		if empty {
			select {
			case <-wake:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close stops accepting tasks, runs the ones already queued and waits for
// suspended turns to finish. Called from inside a turn it does not wait.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()

	if !l.InTurn() {
		<-l.done
	}
	return nil
}

// work runs turns until the loop is closed and drained. Only one worker
// takes tasks at a time; a worker whose turn was suspended and resumed
// hands the queue back to the parked worker and exits.
func (l *Loop) work() {
	id := goid.Get()
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !(l.closed && l.suspended == 0) {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			close(l.done)
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.owner.Store(id)
		l.runTask(task)
		l.Yield()

		l.mu.Lock()
		worker, handOff := l.parked[id]
		delete(l.parked, id)
		l.mu.Unlock()

		l.owner.Store(0)
		if handOff {
			close(worker)
			return
		}
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			perr := newPanicError(r)
			l.logger.Error("scheduled task panicked",
				"panic", perr.Value,
				"stack_trace", string(perr.Stack),
			)
		}
	}()
	task()
}
