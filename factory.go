package state

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ActionsFactory builds the actions of one broker. It runs once per mount.
type ActionsFactory func(p *Params) Actions

// Component is a unit of UI-like work that runs inside a scope.
type Component func(s *Scope) error

// Props are injected into consumer components.
type Props map[string]any

// ConsumerComponent receives state and actions as props.
type ConsumerComponent func(s *Scope, props Props) error

// MapFunc selects the props a consumer receives.
type MapFunc func(s State, actions *BoundActions) Props

// SetStateFunc writes directly to a broker, bypassing actions.
type SetStateFunc func(partial State) error

// Factory is the handle returned by Registry.CreateState. It mounts brokers
// and attaches views to them.
type Factory struct {
	name       string
	template   Template
	getActions ActionsFactory
	imports    []*Factory
	props      []ScopeOption
	order      int
	registry   *Registry
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithImports lets the broker's actions read the given states. They must be
// mounted above every provider of this state.
func WithImports(factories ...*Factory) FactoryOption {
	return func(f *Factory) {
		f.imports = append(f.imports, factories...)
	}
}

// WithProps attaches scope options, typically tags, to every mount.
func WithProps(opts ...ScopeOption) FactoryOption {
	return func(f *Factory) {
		f.props = append(f.props, opts...)
	}
}

// WithListenerOrder sets the default listener order of views and syncs.
func WithListenerOrder(order int) FactoryOption {
	return func(f *Factory) {
		f.order = order
	}
}

// UseOption configures a single UseState or UseSync call
type UseOption func(*useOptions)

type useOptions struct {
	order int
}

// WithOrder overrides the listener order. Lower orders are notified first.
func WithOrder(order int) UseOption {
	return func(o *useOptions) {
		o.order = order
	}
}

func (f *Factory) Name() string {
	return f.name
}

// Mount creates a provider scope under parent and instantiates a broker in
// it. Init runs before Mount returns. Disposing the returned scope unmounts
// the broker and runs Destroy.
func (f *Factory) Mount(parent *Scope, opts ...ScopeOption) (*Scope, error) {
	all := make([]ScopeOption, 0, len(f.props)+len(opts))
	all = append(all, f.props...)
	all = append(all, opts...)

	s, err := parent.child(all...)
	if err != nil {
		return nil, err
	}

	b, err := f.instantiate(parent, s)
	if err != nil {
		_ = s.Dispose()
		return nil, err
	}

	op := &Operation{Kind: OpMount, State: f.name, Scope: s, Broker: b}
	err = s.rt.wrap(s.ctx, op, func() error {
		return s.rt.inTurn(func() error {
			var err error
			if b.actions.set.Init != nil {
				err = b.actions.invoke(actionInit, nil)
			}
			b.markInitialized()
			return err
		})
	})
	if err != nil {
		b.dispose()
		if f.registry != nil {
			f.registry.untrack(b)
		}
		_ = s.Dispose()
		return nil, fmt.Errorf("mounting %s: %w", f.name, err)
	}

	s.OnCleanup(func() error {
		return f.unmount(b)
	})

	b.logger.Debug("mounted", "scope", s.id.String())
	return s, nil
}

func (f *Factory) instantiate(parent, s *Scope) (*Broker, error) {
	b := newBroker(f.name, f.template, s)

	for _, imp := range f.imports {
		ib, ok := parent.lookupBroker(imp)
		if !ok {
			return nil, &NoProviderError{Name: imp.name}
		}
		b.imports[imp.name] = ib
	}

	b.actions = newBoundActions(b)
	var set Actions
	if f.getActions != nil {
		set = f.getActions(&Params{broker: b, actions: b.actions})
	}
	if err := set.validate(); err != nil {
		return nil, fmt.Errorf("state %s: %w", f.name, err)
	}
	b.actions.set = set
	b.onChange = set.OnChange

	s.mu.Lock()
	s.factory = f
	s.broker = b
	s.mu.Unlock()

	if f.registry != nil {
		f.registry.track(b)
	}
	return b, nil
}

func (f *Factory) unmount(b *Broker) error {
	op := &Operation{Kind: OpUnmount, State: f.name, Scope: b.scope, Broker: b}
	return b.rt.wrap(context.Background(), op, func() error {
		return b.rt.inTurn(func() error {
			var err error
			if b.actions.set.Destroy != nil {
				err = b.actions.invoke(actionDestroy, nil)
			}
			b.dispose()
			if f.registry != nil {
				f.registry.untrack(b)
			}
			b.logger.Debug("unmounted")
			return err
		})
	})
}

// Provider wraps inner so that it runs inside a freshly mounted provider.
func (f *Factory) Provider(inner Component) Component {
	return func(parent *Scope) error {
		s, err := f.Mount(parent)
		if err != nil {
			return err
		}
		if inner == nil {
			return nil
		}
		return inner(s)
	}
}

// Broker returns the nearest broker of this state visible from s.
func (f *Factory) Broker(s *Scope) (*Broker, error) {
	b, ok := s.lookupBroker(f)
	if !ok {
		return nil, &NoProviderError{Name: f.name}
	}
	return b, nil
}

func (f *Factory) useOptions(opts []UseOption) useOptions {
	o := useOptions{order: f.order}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// UseState attaches a view to the nearest broker visible from s and renders
// it once. The view closes when s is disposed. A view without a render
// function never forgets a dependency.
func (f *Factory) UseState(s *Scope, render RenderFunc, opts ...UseOption) (*View, error) {
	b, err := f.Broker(s)
	if err != nil {
		return nil, err
	}
	o := f.useOptions(opts)

	v := newView(b, render)
	v.listener = b.listeners.Add(o.order, v.onNotify)
	b.addConsumer(1)
	s.OnCleanup(v.Close)

	v.draw(v.rendered)
	return v, nil
}

// UseSync subscribes cb to every flushed state and returns a setter that
// writes to the broker directly. Writes made through the setter are not
// echoed back to cb. Views still re-render for them. Prefer actions.
func (f *Factory) UseSync(s *Scope, cb func(State), opts ...UseOption) (SetStateFunc, func(), error) {
	b, err := f.Broker(s)
	if err != nil {
		return nil, nil, err
	}
	o := f.useOptions(opts)
	source := "sync:" + uuid.NewString()

	l := b.listeners.Add(o.order, func(n Notification) {
		if n.External && len(n.Sources) == 1 && n.Sources[0] == source {
			return
		}
		if cb != nil {
			cb(n.NewState)
		}
	})
	cancel := func() {
		b.listeners.Remove(l.ID)
	}
	s.OnCleanup(func() error {
		cancel()
		return nil
	})

	set := func(partial State) error {
		return b.SetState(partial, WithSource(source))
	}
	return set, cancel, nil
}

// Consumer injects the whole state and the actions into inner.
//
// Deprecated: use UseState.
func (f *Factory) Consumer(inner ConsumerComponent) Component {
	return f.Map(nil)(inner)
}

// Map injects mapFn(state, actions) into inner. A nil mapFn injects every
// field plus an "actions" prop.
//
// Deprecated: use UseState.
func (f *Factory) Map(mapFn MapFunc) func(ConsumerComponent) Component {
	if mapFn == nil {
		mapFn = func(st State, actions *BoundActions) Props {
			props := make(Props, len(st)+1)
			for k, v := range st {
				props[k] = v
			}
			props["actions"] = actions
			return props
		}
	}

	return func(inner ConsumerComponent) Component {
		return func(s *Scope) error {
			b, err := f.Broker(s)
			if err != nil {
				return err
			}
			b.addConsumer(1)
			s.OnCleanup(func() error {
				b.addConsumer(-1)
				return nil
			})
			return inner(s, mapFn(b.GetState(), b.actions))
		}
	}
}
