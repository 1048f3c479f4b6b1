package state

import (
	"errors"
	"fmt"
	"sort"
)

const (
	actionInit     = "init"
	actionDestroy  = "destroy"
	actionOnError  = "onError"
	actionOnChange = "onChange"
)

var reservedActions = map[string]struct{}{
	actionInit:     {},
	actionDestroy:  {},
	actionOnError:  {},
	actionOnChange: {},
}

// ActionFunc is a user action. Returning an error, or panicking, routes the
// failure to OnError when one is defined.
type ActionFunc func(ctx *ActionCtx, args ...any) error

// Actions is what an ActionsFactory returns. Every field is optional.
type Actions struct {
	// Init runs once when the provider mounts, before any view attaches.
	Init func(ctx *ActionCtx) error
	// Destroy runs when the provider unmounts.
	Destroy func(ctx *ActionCtx) error
	// OnError receives failures of every other action. An error it returns
	// is passed on to the caller.
	OnError func(ctx *ActionCtx, err error, action string) error
	// OnChange runs synchronously after every effective change once Init
	// has completed.
	OnChange func(changed []string, info ChangeInfo) error
	// Funcs holds the named user actions.
	Funcs map[string]ActionFunc
}

func (a Actions) validate() error {
	for name, fn := range a.Funcs {
		if _, ok := reservedActions[name]; ok {
			return fmt.Errorf("action name %q is reserved", name)
		}
		if fn == nil {
			return fmt.Errorf("action %q is nil", name)
		}
	}
	return nil
}

// BoundActions is the callable set of actions of one broker. It exists
// before the actions factory runs, so actions may capture it and call their
// siblings.
type BoundActions struct {
	broker *Broker
	rt     *runtime
	set    Actions
}

func newBoundActions(b *Broker) *BoundActions {
	return &BoundActions{
		broker: b,
		rt:     b.rt,
	}
}

// Names returns the sorted names of the callable actions, lifecycle ones
// included.
func (a *BoundActions) Names() []string {
	names := make([]string, 0, len(a.set.Funcs)+2)
	for name := range a.set.Funcs {
		names = append(names, name)
	}
	if a.set.Init != nil {
		names = append(names, actionInit)
	}
	if a.set.Destroy != nil {
		names = append(names, actionDestroy)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name can be called.
func (a *BoundActions) Has(name string) bool {
	_, _, ok := a.lookup(name)
	return ok
}

// Call invokes the named action. From inside a running action the call
// executes immediately; otherwise it is posted to the scheduler and the
// returned future resolves after the notifications it caused were flushed.
func (a *BoundActions) Call(name string, args ...any) *Future {
	if a.rt.depth.Load() > 0 && a.rt.sched.InTurn() {
		return resolvedFuture(a.invoke(name, args))
	}

	f := newFuture(a.rt.sched)
	err := a.rt.sched.Post(func() {
		err := a.invoke(name, args)
		a.rt.sched.Defer(func() { f.resolve(err) })
	})
	if err != nil {
		f.resolve(err)
	}
	return f
}

func (a *BoundActions) lookup(name string) (ActionFunc, bool, bool) {
	switch name {
	case actionInit:
		if a.set.Init == nil {
			return nil, true, false
		}
		return func(ctx *ActionCtx, _ ...any) error { return a.set.Init(ctx) }, true, true
	case actionDestroy:
		if a.set.Destroy == nil {
			return nil, true, false
		}
		return func(ctx *ActionCtx, _ ...any) error { return a.set.Destroy(ctx) }, true, true
	}
	fn, ok := a.set.Funcs[name]
	return fn, false, ok
}

// invoke runs the action on the calling goroutine.
func (a *BoundActions) invoke(name string, args []any) error {
	b := a.broker
	fn, lifecycle, ok := a.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAction, b.name, name)
	}

	a.rt.depth.Add(1)
	defer a.rt.depth.Add(-1)

	ctx := newActionCtx(a, name)
	before := b.setCalls.Load()

	op := &Operation{Kind: OpAction, State: b.name, Action: name, Scope: b.scope, Broker: b}
	err := a.rt.wrap(ctx.Context(), op, func() error {
		return runAction(fn, ctx, args)
	})

	if err == nil && !lifecycle && b.setCalls.Load() == before {
		if serr := b.SetState(State{}); serr != nil && !errors.Is(serr, ErrBrokerGone) {
			err = serr
		}
	}
	if err == nil {
		return nil
	}

	for _, ext := range a.rt.extensionList() {
		ext.OnError(err, op)
	}

	if a.set.OnError != nil {
		return runOnError(a.set.OnError, ctx, err, name)
	}

	b.logger.Error("action failed", "action", name, "error", err)
	return &ActionError{State: b.name, Action: name, Err: err}
}

func runAction(fn ActionFunc, ctx *ActionCtx, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn(ctx, args...)
}

func runOnError(fn func(*ActionCtx, error, string) error, ctx *ActionCtx, cause error, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn(ctx.withAction(actionOnError), cause, name)
}
