package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(WithLoopLogger(quietLogger()))
	t.Cleanup(func() {
		_ = l.Close()
	})
	return l
}

func idleLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := l.Idle(ctx); err != nil {
		t.Fatalf("loop did not go idle: %v", err)
	}
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := newTestLoop(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	for _, name := range []string{"a", "b", "c"} {
		if err := l.Post(record(name)); err != nil {
			t.Fatalf("Post failed: %v", err)
		}
	}
	idleLoop(t, l)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("expected a,b,c, got %v", order)
	}
}

func TestLoop_DeferredRunsBeforeNextTask(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	if err := l.Post(func() {
		l.Defer(func() {
			record("deferred-1")
			l.Defer(func() { record("deferred-2") })
		})
		record("task-1")
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := l.Post(func() { record("task-2") }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	idleLoop(t, l)

	mu.Lock()
	defer mu.Unlock()
	expected := "task-1,deferred-1,deferred-2,task-2"
	if strings.Join(order, ",") != expected {
		t.Errorf("expected %s, got %v", expected, order)
	}
}

func TestLoop_YieldDrainsDeferred(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	done := make(chan struct{})
	if err := l.Post(func() {
		l.Defer(func() { order = append(order, "deferred") })
		l.Yield()
		order = append(order, "after-yield")
		close(done)
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	<-done
	idleLoop(t, l)

	if strings.Join(order, ",") != "deferred,after-yield" {
		t.Errorf("expected deferred before after-yield, got %v", order)
	}
}

func TestLoop_InTurn(t *testing.T) {
	l := newTestLoop(t)

	if l.InTurn() {
		t.Error("expected test goroutine not to be in a turn")
	}

	result := make(chan bool, 1)
	if err := l.Post(func() { result <- l.InTurn() }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if !<-result {
		t.Error("expected task to run in a turn")
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	l := newTestLoop(t)

	ran := make(chan struct{})
	if err := l.Post(func() { panic("task exploded") }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := l.Post(func() { close(ran) }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestLoop_CloseDrainsAndRejects(t *testing.T) {
	l := NewLoop(WithLoopLogger(quietLogger()))

	var ran bool
	if err := l.Post(func() { ran = true }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !ran {
		t.Error("expected queued task to run before Close returned")
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("expected ErrSchedulerClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("expected second Close to be a no-op, got %v", err)
	}
}

func TestLoop_IdleRespectsContext(t *testing.T) {
	l := newTestLoop(t)

	release := make(chan struct{})
	if err := l.Post(func() { <-release }); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Idle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLoop_SuspendLetsOtherTasksRun(t *testing.T) {
	l := newTestLoop(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	release := make(chan struct{})
	otherRan := make(chan struct{})
	var inTurnWhileSuspended, inTurnAfterResume bool
	if err := l.Post(func() {
		record("a-start")
		l.Suspend(func() {
			inTurnWhileSuspended = l.InTurn()
			<-release
		})
		// a second suspension in the same turn reuses the parked worker
		l.Suspend(func() {})
		inTurnAfterResume = l.InTurn()
		record("a-end")
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := l.Post(func() {
		record("b")
		close(otherRan)
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	select {
	case <-otherRan:
	case <-time.After(waitTimeout):
		t.Fatal("suspended task blocked the loop")
	}
	close(release)
	idleLoop(t, l)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "a-start,b,a-end" {
		t.Errorf("expected a-start,b,a-end, got %v", order)
	}
	if inTurnWhileSuspended {
		t.Error("expected the turn to be released while suspended")
	}
	if !inTurnAfterResume {
		t.Error("expected the turn to be held again after Suspend returned")
	}
}

func TestLoop_SuspendOutsideTurnRunsInline(t *testing.T) {
	l := newTestLoop(t)

	var ran bool
	l.Suspend(func() { ran = true })
	if !ran {
		t.Error("expected fn to run")
	}
}

func TestLoop_IdleWaitsForSuspendedTurn(t *testing.T) {
	l := newTestLoop(t)

	release := make(chan struct{})
	suspended := make(chan struct{})
	var finished atomic.Bool
	if err := l.Post(func() {
		l.Suspend(func() {
			close(suspended)
			<-release
		})
		finished.Store(true)
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	<-suspended

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Idle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Idle to wait for the suspended turn, got %v", err)
	}

	close(release)
	idleLoop(t, l)
	if !finished.Load() {
		t.Error("expected the suspended turn to finish before Idle returned")
	}
}

func TestLoop_CloseWaitsForSuspendedTurn(t *testing.T) {
	l := NewLoop(WithLoopLogger(quietLogger()))

	suspended := make(chan struct{})
	var finished atomic.Bool
	if err := l.Post(func() {
		l.Suspend(func() {
			close(suspended)
			time.Sleep(10 * time.Millisecond)
		})
		finished.Store(true)
	}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	<-suspended

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("expected Close to wait for the suspended turn")
	}
}
