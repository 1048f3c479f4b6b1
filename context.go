package state

import "context"

// Params is handed to an ActionsFactory. It is the actions' only handle on
// their broker.
type Params struct {
	broker  *Broker
	actions *BoundActions
}

func (p *Params) Name() string {
	return p.broker.name
}

// GetState returns a copy of the current state
func (p *Params) GetState() State {
	return p.broker.GetState()
}

// SetState merges partial into the state
func (p *Params) SetState(partial State, opts ...SetOption) error {
	return p.broker.SetState(partial, opts...)
}

// ResetState restores the template defaults
func (p *Params) ResetState(reinitialize bool) error {
	return p.broker.ResetState(reinitialize)
}

// Import reads an imported state and its actions at call time
func (p *Params) Import(name string) (Imported, error) {
	return p.broker.Import(name)
}

// Self returns the bound actions of this broker, for sibling calls.
func (p *Params) Self() *BoundActions {
	return p.actions
}

// Scope returns the provider scope
func (p *Params) Scope() *Scope {
	return p.broker.scope
}

// OnCleanup registers fn to run when the provider unmounts, after Destroy.
func (p *Params) OnCleanup(fn func() error) {
	p.broker.scope.OnCleanup(fn)
}

// Prop retrieves a typed provider prop
func Prop[T any](p *Params, tag Tag[T]) (T, bool) {
	return tag.Get(p.broker.scope)
}

// PropOr retrieves a typed provider prop or returns a default value
func PropOr[T any](p *Params, tag Tag[T], defaultVal T) T {
	return tag.GetOrDefault(p.broker.scope, defaultVal)
}

// ActionCtx is passed to every running action.
type ActionCtx struct {
	*Params
	action string
}

func newActionCtx(a *BoundActions, action string) *ActionCtx {
	return &ActionCtx{
		Params: &Params{broker: a.broker, actions: a},
		action: action,
	}
}

func (c *ActionCtx) withAction(action string) *ActionCtx {
	return &ActionCtx{Params: c.Params, action: action}
}

// Action returns the name of the running action.
func (c *ActionCtx) Action() string {
	return c.action
}

// Context is cancelled when the provider unmounts.
func (c *ActionCtx) Context() context.Context {
	return c.broker.scope.ctx
}

// Call invokes a sibling action immediately.
func (c *ActionCtx) Call(name string, args ...any) *Future {
	return c.actions.Call(name, args...)
}

// Await flushes the notifications queued so far and releases the scheduler
// turn while fn runs, so other actions and flushes proceed. The action
// continues in a fresh turn once fn returns.
func (c *ActionCtx) Await(fn func(ctx context.Context) error) error {
	rt := c.broker.rt
	if !rt.sched.InTurn() {
		return fn(c.Context())
	}

	depth := rt.depth.Swap(0)
	var err error
	rt.sched.Suspend(func() {
		err = fn(c.Context())
	})
	rt.depth.Store(depth)
	return err
}
