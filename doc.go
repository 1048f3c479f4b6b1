// Package state provides named, observable state brokers with derived fields,
// batched change notification and serialised actions.
//
// # Overview
//
// The package organizes code around four core concepts:
//
//  1. Templates: the default state of a named state, including derived fields
//  2. Brokers: the single owner and writer of one mounted instance of a state
//  3. Actions: the named operations that mutate a broker
//  4. Scopes: the provider tree that brokers are mounted into
//
// # Basic Usage
//
// Declare a state in a registry:
//
//	reg := state.NewRegistry()
//
//	counter, err := reg.CreateState("counter",
//	    state.Template{
//	        "count": 0,
//	        "double": state.Deriver(func(s state.State) any {
//	            return state.ValueOr(s, "count", 0) * 2
//	        }),
//	    },
//	    func(p *state.Params) state.Actions {
//	        return state.Actions{
//	            Funcs: map[string]state.ActionFunc{
//	                "increment": func(ctx *state.ActionCtx, _ ...any) error {
//	                    n := state.ValueOr(ctx.GetState(), "count", 0)
//	                    return ctx.SetState(state.State{"count": n + 1})
//	                },
//	            },
//	        }
//	    },
//	)
//
// Mount it and attach a view:
//
//	root := state.NewScope()
//	defer root.Dispose()
//
//	provider, err := counter.Mount(root)
//
//	view, err := counter.UseState(provider, func(v *state.View) {
//	    fmt.Println("count is", v.Get("count"))
//	})
//
//	err = view.Call("increment").Wait(ctx)
//
// # Derived Fields
//
// A template field holding a Deriver is recomputed on every write from the
// merged state. Derived fields may not be set directly; doing so fails with
// ProtectedFieldError. Derivers run while the broker is locked and must not
// call back into it.
//
// A deriver may read values closed over from outside the template. After
// any action that made no SetState call, the broker runs one empty write so
// such derivers are recomputed anyway.
//
// # Change Detection and Batching
//
// A write is effective when any field changes. Comparison is by identity:
// == for comparable values, pointer identity for maps, slices and funcs.
// Fields wrapped with DeepCompare in the template compare structurally.
//
// Every effective write bumps the broker version and calls OnChange
// synchronously. Listener notifications are coalesced: all writes made in
// one scheduler turn are flushed as a single Notification at the end of
// that turn.
//
// # Actions
//
// Actions are built by an ActionsFactory once per mount. Calls from outside
// an action are posted to the scheduler and return a Future that resolves
// after the resulting notifications were flushed. Calls made from inside a
// running action execute immediately.
//
// Failures, including panics, are routed to Actions.OnError when it is set
// and the Future resolves without error. Otherwise the Future resolves with
// an ActionError. An error returned by OnError itself reaches the caller.
//
// # Views
//
// A View records the fields read through Get and re-renders only when a
// flushed change touches one of them:
//
//	view, _ := cheese.UseState(scope, func(v *state.View) {
//	    render(v.Get("cheese"))
//	})
//
// Reading State() subscribes the view to every field until its next render.
//
// # Imports
//
// A state may import other states. Its actions read them at call time:
//
//	num, _ := reg.CreateState("num", tmpl, actions, state.WithImports(cheese))
//
//	imported, err := ctx.Import("cheese")
//
// The imported state must be mounted above every provider of the importing
// one.
//
// # Scheduling
//
// Every scope tree shares one Scheduler. The default Loop runs turns on a
// dedicated goroutine; WithScheduler installs another implementation.
// ActionCtx.Await releases the turn while it blocks, so other actions keep
// running. Scope.Idle waits until the Loop has drained.
//
// # Extensions
//
// Extensions wrap actions, flushes, mounts and unmounts and are told about
// every effective change:
//
//	root := state.NewScope(state.WithExtension(ext))
//
// # Debugging
//
// Registry.GetAllStates and Registry.Dump snapshot every mounted broker.
// Scope.DrawTree renders the provider tree.
package state
