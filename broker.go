package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ChangeInfo accompanies an OnChange call.
type ChangeInfo struct {
	PrevState   State
	Source      string
	ViaExternal bool
	Version     uint64
}

// SetOption modifies a single SetState call
type SetOption func(*setOptions)

type setOptions struct {
	incremental bool
	source      string
}

// Incremental controls whether the write is applied on top of the current
// state (the default) or on top of an empty state.
func Incremental(incremental bool) SetOption {
	return func(o *setOptions) {
		o.incremental = incremental
	}
}

// WithSource tags a write as coming from an external writer.
func WithSource(source string) SetOption {
	return func(o *setOptions) {
		o.source = source
	}
}

type pendingNotification struct {
	changes  State
	keys     map[string]struct{}
	sources  map[string]struct{}
	internal bool
}

func (p *pendingNotification) add(changed []string, next State, source string) {
	for _, k := range changed {
		p.keys[k] = struct{}{}
		p.changes[k] = next[k]
	}
	if source == "" {
		p.internal = true
	} else {
		p.sources[source] = struct{}{}
	}
}

// Broker owns one mounted instance of a named state. It is the only writer of
// that state: it derives computed fields, detects effective changes, bumps the
// version and batches notifications to its listeners.
type Broker struct {
	id        uuid.UUID
	name      string
	tmpl      *processedTemplate
	rt        *runtime
	scope     *Scope
	listeners *ListenerRegistry
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	version     uint64
	pending     *pendingNotification
	flushQueued bool
	initialized bool
	disposed    bool
	consumers   int
	changeDepth int
	nestedSets  int

	// setCalls counts SetState invocations, effective or not.
	setCalls atomic.Uint64

	actions  *BoundActions
	onChange func(changed []string, info ChangeInfo) error
	imports  map[string]*Broker
}

func newBroker(name string, tmpl Template, scope *Scope) *Broker {
	p := processTemplate(tmpl)
	id := uuid.New()
	return &Broker{
		id:        id,
		name:      name,
		tmpl:      p,
		rt:        scope.rt,
		scope:     scope,
		listeners: NewListenerRegistry(),
		logger:    scope.rt.logger.With("state", name, "broker", id.String()),
		state:     p.initial.Clone(),
		imports:   make(map[string]*Broker),
	}
}

func (b *Broker) Name() string {
	return b.name
}

func (b *Broker) ID() uuid.UUID {
	return b.id
}

// Scope returns the provider scope the broker was mounted in.
func (b *Broker) Scope() *Scope {
	return b.scope
}

// Listeners exposes the broker's listener registry.
func (b *Broker) Listeners() *ListenerRegistry {
	return b.listeners
}

// Actions returns the bound actions of the broker.
func (b *Broker) Actions() *BoundActions {
	return b.actions
}

// Version increases by one for every effective change.
func (b *Broker) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// DerivedKeys returns the sorted names of the derived properties.
func (b *Broker) DerivedKeys() []string {
	return append([]string(nil), b.tmpl.derivedKeys...)
}

// InitialState returns a copy of the state the broker was created with.
func (b *Broker) InitialState() State {
	return b.tmpl.initial.Clone()
}

// Consumers returns the number of views and consumers attached.
func (b *Broker) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumers
}

func (b *Broker) addConsumer(delta int) {
	b.mu.Lock()
	b.consumers += delta
	b.mu.Unlock()
}

// Disposed reports whether the broker has been unmounted.
func (b *Broker) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// GetState returns a shallow copy of the current state.
func (b *Broker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

// snapshot returns a copy of the state and the version it belongs to.
func (b *Broker) snapshot() (State, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone(), b.version
}

// Imported is a read of another broker made through an import.
type Imported struct {
	State   State
	Actions *BoundActions
}

// Import reads the current state and actions of the imported state name.
func (b *Broker) Import(name string) (Imported, error) {
	b.mu.Lock()
	other, ok := b.imports[name]
	b.mu.Unlock()

	if !ok {
		return Imported{}, &NoProviderError{Name: name}
	}
	if other.Disposed() {
		return Imported{}, ErrBrokerGone
	}
	return Imported{
		State:   other.GetState(),
		Actions: other.actions,
	}, nil
}

// SetState merges partial into the state. Derived fields are recomputed, and
// when anything changed the version is bumped, OnChange runs synchronously
// and a notification is queued for the next flush.
func (b *Broker) SetState(partial State, opts ...SetOption) error {
	o := setOptions{incremental: true}
	for _, opt := range opts {
		opt(&o)
	}

	b.setCalls.Add(1)

	changed, info, notify, err := b.apply(partial, o)
	if err != nil || len(changed) == 0 {
		return err
	}

	b.logger.Debug("set state", "keys", changed, "version", info.Version, "source", o.source)

	op := &Operation{Kind: OpSetState, State: b.name, Scope: b.scope, Broker: b}
	for _, ext := range b.rt.extensionList() {
		ext.OnChange(op, changed, info.Version)
	}

	if notify && b.onChange != nil {
		return b.runOnChange(changed, info)
	}
	return nil
}

func (b *Broker) apply(partial State, o setOptions) ([]string, ChangeInfo, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil, ChangeInfo{}, false, ErrBrokerGone
	}

	if b.changeDepth > 0 {
		b.nestedSets++
		if b.nestedSets > b.rt.config.ReentrancyLimit {
			return nil, ChangeInfo{}, false, &ReentrancyLimitError{State: b.name, Limit: b.rt.config.ReentrancyLimit}
		}
	}

	if !sameMap(partial, b.tmpl.initial) {
		for _, k := range sortedKeys(partial) {
			if b.tmpl.isDerived(k) {
				return nil, ChangeInfo{}, false, &ProtectedFieldError{
					State:   b.name,
					Key:     k,
					Derived: append([]string(nil), b.tmpl.derivedKeys...),
				}
			}
		}
	}

	base := State{}
	if o.incremental {
		base = b.state
	}

	delta := partial.Clone()
	for k, v := range b.tmpl.derive(base.merge(partial)) {
		delta[k] = v
	}
	next := base.merge(delta)

	var changed []string
	for k, v := range next {
		if !b.tmpl.equal(k, b.state[k], v) {
			changed = append(changed, k)
		}
	}
	for k, v := range b.state {
		if _, kept := next[k]; !kept && v != nil {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return nil, ChangeInfo{}, false, nil
	}
	sort.Strings(changed)

	prev := b.state
	b.state = next
	b.version++

	if b.pending == nil {
		b.pending = &pendingNotification{
			changes: State{},
			keys:    make(map[string]struct{}),
			sources: make(map[string]struct{}),
		}
	}
	b.pending.add(changed, next, o.source)
	if !b.flushQueued {
		b.flushQueued = true
		b.rt.sched.Defer(b.flush)
	}

	info := ChangeInfo{
		PrevState:   prev.Clone(),
		Source:      o.source,
		ViaExternal: o.source != "",
		Version:     b.version,
	}
	return changed, info, b.initialized, nil
}

func (b *Broker) runOnChange(changed []string, info ChangeInfo) error {
	b.mu.Lock()
	b.changeDepth++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.changeDepth--
		if b.changeDepth == 0 {
			b.nestedSets = 0
		}
		b.mu.Unlock()
	}()

	return b.onChange(changed, info)
}

// ResetState restores the template defaults, clearing fields the template
// never declared. With reinitialize set, Init runs again afterwards, inside
// a scheduler turn.
func (b *Broker) ResetState(reinitialize bool) error {
	if err := b.SetState(b.tmpl.initial, Incremental(false)); err != nil {
		return err
	}
	if reinitialize && b.actions != nil && b.actions.set.Init != nil {
		return b.rt.inTurn(func() error {
			return b.actions.invoke(actionInit, nil)
		})
	}
	return nil
}

func (b *Broker) flush() {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.flushQueued = false
	next := b.state.Clone()
	version := b.version
	disposed := b.disposed
	b.mu.Unlock()

	if p == nil || disposed {
		return
	}

	n := Notification{
		ChangedKeys:  sortedKeys(p.keys),
		StateChanges: p.changes,
		NewState:     next,
		Version:      version,
		External:     !p.internal,
		Sources:      sortedKeys(p.sources),
	}

	op := &Operation{Kind: OpFlush, State: b.name, Scope: b.scope, Broker: b}
	err := b.rt.wrap(context.Background(), op, func() error {
		b.listeners.Notify(n)
		return nil
	})
	if err != nil {
		b.logger.Error("flush failed", "error", err)
	}
}

func (b *Broker) markInitialized() {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
}

func (b *Broker) dispose() {
	b.mu.Lock()
	b.disposed = true
	b.pending = nil
	b.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
