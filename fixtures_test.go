package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScope(t *testing.T, opts ...ScopeOption) *Scope {
	t.Helper()
	all := append([]ScopeOption{WithLogger(quietLogger())}, opts...)
	s := NewScope(all...)
	t.Cleanup(func() {
		_ = s.Dispose()
	})
	return s
}

func newTestRegistry(opts ...RegistryOption) *Registry {
	all := append([]RegistryOption{WithRegistryLogger(quietLogger())}, opts...)
	return NewRegistry(all...)
}

func wait(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("action did not complete within %v", waitTimeout)
	}
	return err
}

func idle(t *testing.T, s *Scope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := s.Idle(ctx); err != nil {
		t.Fatalf("scheduler did not go idle: %v", err)
	}
}

func sleepFor(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var fortyTwoTag = NewTag[int]("fortyTwo")

// fixture mirrors a small app: a Cheese state with error routing and a Num
// state that imports it.
type fixture struct {
	reg    *Registry
	cheese *Factory
	num    *Factory

	root        *Scope
	cheeseScope *Scope
	numScope    *Scope

	numInits    atomic.Int32
	numDestroys atomic.Int32
}

func newFixture(t *testing.T, opts ...ScopeOption) *fixture {
	t.Helper()
	fx := &fixture{reg: newTestRegistry()}

	var err error
	fx.cheese, err = fx.reg.CreateState("Cheese",
		Template{
			"cheese":        "Cheddar",
			"errorAction":   nil,
			"errorMessage":  nil,
			"notReferenced": 0,
		},
		func(p *Params) Actions {
			return Actions{
				OnError: func(ctx *ActionCtx, err error, action string) error {
					return ctx.SetState(State{"errorAction": action, "errorMessage": err.Error()})
				},
				Funcs: map[string]ActionFunc{
					"setCheese": func(ctx *ActionCtx, args ...any) error {
						return ctx.SetState(State{"cheese": args[0]})
					},
					"triggerAnError": func(ctx *ActionCtx, _ ...any) error {
						return errors.New("state error")
					},
					"triggerAnAsyncError": func(ctx *ActionCtx, _ ...any) error {
						if err := ctx.Await(sleepFor(20 * time.Millisecond)); err != nil {
							return err
						}
						return errors.New("async state error")
					},
					"panicNow": func(ctx *ActionCtx, _ ...any) error {
						panic("boom")
					},
					"setNotReferenced": func(ctx *ActionCtx, args ...any) error {
						return ctx.SetState(State{"notReferenced": args[0]})
					},
				},
			}
		},
	)
	if err != nil {
		t.Fatalf("creating Cheese: %v", err)
	}

	fx.num, err = fx.reg.CreateState("Num",
		Template{
			"num": 1,
			"numPlus1": Deriver(func(s State) any {
				return ValueOr(s, "num", 0) + 1
			}),
		},
		func(p *Params) Actions {
			fortyTwo := PropOr(p, fortyTwoTag, 0)
			return Actions{
				Init: func(ctx *ActionCtx) error {
					fx.numInits.Add(1)
					return nil
				},
				Destroy: func(ctx *ActionCtx) error {
					fx.numDestroys.Add(1)
					return nil
				},
				Funcs: map[string]ActionFunc{
					"incrementNum": func(ctx *ActionCtx, _ ...any) error {
						n := ValueOr(ctx.GetState(), "num", 0)

						c, err := ctx.Import("Cheese")
						if err != nil {
							return err
						}
						next := "Cheddar"
						if ValueOr(c.State, "cheese", "") == "Cheddar" {
							next = "Brie"
						}
						if err := c.Actions.Call("setCheese", next).Err(); err != nil {
							return err
						}

						return ctx.SetState(State{"num": n + 1})
					},
					"setNum42": func(ctx *ActionCtx, _ ...any) error {
						return ctx.SetState(State{"num": fortyTwo})
					},
					"reset": func(ctx *ActionCtx, _ ...any) error {
						return ctx.ResetState(false)
					},
					"reinit": func(ctx *ActionCtx, _ ...any) error {
						return ctx.ResetState(true)
					},
					"setNums": func(ctx *ActionCtx, args ...any) error {
						for _, n := range args[0].([]int) {
							if err := ctx.Await(sleepFor(5 * time.Millisecond)); err != nil {
								return err
							}
							if err := ctx.SetState(State{"num": n}); err != nil {
								return err
							}
						}
						return nil
					},
					"explode": func(ctx *ActionCtx, _ ...any) error {
						return errFixture
					},
					"panicNow": func(ctx *ActionCtx, _ ...any) error {
						panic(errFixture)
					},
				},
			}
		},
		WithImports(fx.cheese),
		WithProps(WithScopeTag(fortyTwoTag, 42)),
	)
	if err != nil {
		t.Fatalf("creating Num: %v", err)
	}

	fx.root = newTestScope(t, opts...)
	fx.cheeseScope, err = fx.cheese.Mount(fx.root)
	if err != nil {
		t.Fatalf("mounting Cheese: %v", err)
	}
	fx.numScope, err = fx.num.Mount(fx.cheeseScope)
	if err != nil {
		t.Fatalf("mounting Num: %v", err)
	}
	return fx
}

var errFixture = errors.New("fixture failure")

func (fx *fixture) broker(t *testing.T, f *Factory) *Broker {
	t.Helper()
	b, err := f.Broker(fx.numScope)
	if err != nil {
		t.Fatalf("looking up %s: %v", f.Name(), err)
	}
	return b
}
