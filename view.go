package state

import (
	"sync"
)

// RenderFunc draws a view. Fields read through View.Get during a render
// become the view's dependencies until the next render.
type RenderFunc func(v *View)

// View is one subscriber created by Factory.UseState. It re-renders only
// when a flushed change touches a field it has read.
type View struct {
	broker   *Broker
	listener *Listener
	render   RenderFunc

	renderMu sync.Mutex

	mu       sync.Mutex
	snapshot State
	reads    map[string]struct{}
	readAll  bool
	rendered uint64
	renders  int
	closed   bool
}

func newView(b *Broker, render RenderFunc) *View {
	snapshot, version := b.snapshot()
	return &View{
		broker:   b,
		render:   render,
		snapshot: snapshot,
		reads:    make(map[string]struct{}),
		rendered: version,
	}
}

// Get returns a field and records it as a dependency.
func (v *View) Get(key string) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reads[key] = struct{}{}
	return v.snapshot[key]
}

// Read returns a typed field of v and records it as a dependency.
func Read[T any](v *View, key string) (T, bool) {
	val := v.Get(key)
	typed, ok := val.(T)
	return typed, ok
}

// State returns the whole snapshot. A view that called State depends on
// every field until its next render.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.readAll = true
	return v.snapshot.Clone()
}

// Track declares dependencies without reading them.
func (v *View) Track(keys ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, k := range keys {
		v.reads[k] = struct{}{}
	}
}

// Actions returns the broker's bound actions. Reading actions never adds a
// dependency.
func (v *View) Actions() *BoundActions {
	return v.broker.actions
}

// Call is shorthand for v.Actions().Call.
func (v *View) Call(name string, args ...any) *Future {
	return v.broker.actions.Call(name, args...)
}

// Version returns the broker version the view last rendered against.
func (v *View) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rendered
}

// Renders returns how many times the view rendered, the initial render
// included.
func (v *View) Renders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renders
}

// Close unsubscribes the view. It is called automatically when the scope
// the view was created in is disposed.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.broker.listeners.Remove(v.listener.ID)
	v.broker.addConsumer(-1)
	return nil
}

func (v *View) dependsOn(keys []string) bool {
	if v.readAll {
		return true
	}
	for _, k := range keys {
		if _, ok := v.reads[k]; ok {
			return true
		}
	}
	return false
}

func (v *View) onNotify(n Notification) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.snapshot = n.NewState
	rerender := n.Version > v.rendered && v.dependsOn(n.ChangedKeys)
	v.mu.Unlock()

	if rerender {
		v.draw(n.Version)
	}
}

func (v *View) draw(version uint64) {
	v.renderMu.Lock()
	defer v.renderMu.Unlock()

	v.mu.Lock()
	if v.render != nil {
		v.reads = make(map[string]struct{})
		v.readAll = false
	}
	v.rendered = version
	v.renders++
	v.mu.Unlock()

	if v.render != nil {
		v.render(v)
	}
}
