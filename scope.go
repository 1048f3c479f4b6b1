package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// runtime is shared by every scope of one tree.
type runtime struct {
	sched  Scheduler
	loop   *Loop
	logger *slog.Logger
	config Config

	// depth counts actions currently running in a turn, across brokers.
	depth atomic.Int32

	mu         sync.RWMutex
	extensions []Extension
}

func (rt *runtime) extensionList() []Extension {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	exts := make([]Extension, len(rt.extensions))
	copy(exts, rt.extensions)
	return exts
}

func (rt *runtime) wrap(ctx context.Context, op *Operation, fn func() error) error {
	return wrapOperation(ctx, rt.extensionList(), op, fn)
}

// inTurn runs fn inside a scheduler turn and waits for it. Called from a turn
// it runs fn directly.
func (rt *runtime) inTurn(fn func() error) error {
	if rt.sched.InTurn() {
		return fn()
	}

	done := make(chan error, 1)
	if err := rt.sched.Post(func() { done <- fn() }); err != nil {
		return fn()
	}
	return <-done
}

type cleanupEntry struct {
	fn    func() error
	order int
}

// Scope is one node of the provider tree. The root scope owns the scheduler,
// extensions and configuration; every mounted provider adds a child scope
// holding its broker.
type Scope struct {
	id     uuid.UUID
	parent *Scope
	rt     *runtime
	tags   sync.Map

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	children []*Scope
	factory  *Factory
	broker   *Broker
	cleanups []cleanupEntry
	disposed bool

	pendingExts []Extension
}

// ScopeOption is a modifier for scopes
type ScopeOption func(*Scope)

// WithScopeTag returns an option that sets a tag on a scope
func WithScopeTag[T any](tag Tag[T], val T) ScopeOption {
	return func(s *Scope) {
		tag.Set(s, val)
	}
}

// WithExtension returns an option that registers an extension to a root scope
func WithExtension(ext Extension) ScopeOption {
	return func(s *Scope) {
		if s.parent != nil {
			return
		}
		s.pendingExts = append(s.pendingExts, ext)
	}
}

// WithScheduler replaces the default Loop of a root scope. The caller keeps
// ownership of sched.
func WithScheduler(sched Scheduler) ScopeOption {
	return func(s *Scope) {
		if s.parent != nil {
			return
		}
		s.rt.sched = sched
	}
}

// WithLogger sets the logger of a root scope
func WithLogger(logger *slog.Logger) ScopeOption {
	return func(s *Scope) {
		if s.parent != nil {
			return
		}
		s.rt.logger = logger
	}
}

// WithScopeConfig sets the config of a root scope
func WithScopeConfig(cfg Config) ScopeOption {
	return func(s *Scope) {
		if s.parent != nil {
			return
		}
		s.rt.config = cfg
	}
}

// WithContext sets the parent context of a root scope. Actions see a context
// that is cancelled when their provider unmounts.
func WithContext(ctx context.Context) ScopeOption {
	return func(s *Scope) {
		if s.parent != nil {
			return
		}
		s.ctx = ctx
	}
}

// NewScope creates a root scope with optional configuration
func NewScope(opts ...ScopeOption) *Scope {
	s := &Scope{
		id:  uuid.New(),
		rt:  &runtime{config: DefaultConfig()},
		ctx: context.Background(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.rt.logger == nil {
		s.rt.logger = s.rt.config.logger()
	}
	if s.rt.sched == nil {
		s.rt.loop = NewLoop(WithLoopLogger(s.rt.logger))
		s.rt.sched = s.rt.loop
	}
	s.ctx, s.cancel = context.WithCancel(s.ctx)

	exts := s.pendingExts
	s.pendingExts = nil
	for _, ext := range exts {
		if err := s.UseExtension(ext); err != nil {
			panic(err)
		}
	}

	return s
}

func (s *Scope) child(opts ...ScopeOption) (*Scope, error) {
	c := &Scope{
		id:     uuid.New(),
		parent: s,
		rt:     s.rt,
	}
	for _, opt := range opts {
		opt(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrScopeDisposed
	}
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	s.children = append(s.children, c)
	return c, nil
}

func (s *Scope) removeChild(c *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, child := range s.children {
		if child == c {
			s.children = append(s.children[:i:i], s.children[i+1:]...)
			return
		}
	}
}

// UseExtension registers an extension to the scope tree
func (s *Scope) UseExtension(ext Extension) error {
	rt := s.rt
	rt.mu.Lock()
	rt.extensions = append(rt.extensions, ext)
	sort.SliceStable(rt.extensions, func(i, j int) bool {
		return rt.extensions[i].Order() < rt.extensions[j].Order()
	})
	rt.mu.Unlock()

	return ext.Init(s.Root())
}

func (s *Scope) ID() uuid.UUID {
	return s.id
}

func (s *Scope) Parent() *Scope {
	return s.parent
}

// Root returns the root of the scope tree.
func (s *Scope) Root() *Scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

// Children returns the mounted child scopes in mount order.
func (s *Scope) Children() []*Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Scope, len(s.children))
	copy(out, s.children)
	return out
}

// Broker returns the broker mounted in this scope, if any.
func (s *Scope) Broker() *Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

// Context is cancelled when the scope is disposed.
func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) Logger() *slog.Logger {
	return s.rt.logger
}

func (s *Scope) Config() Config {
	return s.rt.config
}

func (s *Scope) Scheduler() Scheduler {
	return s.rt.sched
}

func (s *Scope) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// GetTag retrieves a tag value set directly on this scope
func (s *Scope) GetTag(tag any) (any, bool) {
	return s.tags.Load(tag)
}

// SetTag stores a tag value on the scope
func (s *Scope) SetTag(tag any, val any) {
	s.tags.Store(tag, val)
}

func (s *Scope) lookupTag(tag any) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if val, ok := cur.tags.Load(tag); ok {
			return val, true
		}
	}
	return nil, false
}

// lookupBroker finds the nearest broker created by f, starting at s.
func (s *Scope) lookupBroker(f *Factory) (*Broker, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		match := cur.factory == f && cur.broker != nil && !cur.disposed
		b := cur.broker
		cur.mu.Unlock()
		if match {
			return b, true
		}
	}
	return nil, false
}

// OnCleanup registers fn to run when the scope is disposed. Cleanups run in
// reverse registration order.
func (s *Scope) OnCleanup(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, cleanupEntry{
		fn:    fn,
		order: len(s.cleanups),
	})
}

// Idle blocks until the scheduler has run everything queued so far. It is
// only supported with the default Loop scheduler.
func (s *Scope) Idle(ctx context.Context) error {
	if s.rt.loop == nil {
		return fmt.Errorf("idle: scheduler %T does not support waiting", s.rt.sched)
	}
	return s.rt.loop.Idle(ctx)
}

func (s *Scope) runCleanups(entries []cleanupEntry, cleanupContext string) error {
	exts := s.rt.extensionList()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]

		if err := entry.fn(); err != nil {
			cleanupErr := &CleanupError{
				Scope:   s.id.String(),
				Err:     err,
				Context: cleanupContext,
			}

			handled := false
			for _, ext := range exts {
				if ext.OnCleanupError(cleanupErr) {
					handled = true
					break
				}
			}
			if !handled {
				s.rt.logger.Warn("cleanup failed", "scope", s.id.String(), "error", err)
				errs = append(errs, cleanupErr)
			}
		}
	}
	return errors.Join(errs...)
}

// Dispose unmounts the scope: children first, then the scope's own cleanups
// in reverse order. Disposing the root also disposes extensions and stops
// the default scheduler.
func (s *Scope) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	children := make([]*Scope, len(s.children))
	copy(children, s.children)
	entries := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var errs []error
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].Dispose(); err != nil {
			errs = append(errs, err)
		}
	}

	cleanupContext := "unmount"
	if s.parent == nil {
		cleanupContext = "dispose"
	}
	if err := s.runCleanups(entries, cleanupContext); err != nil {
		errs = append(errs, err)
	}
	s.cancel()

	if s.parent != nil {
		s.parent.removeChild(s)
		return errors.Join(errs...)
	}

	for _, ext := range s.rt.extensionList() {
		if err := ext.Dispose(s); err != nil {
			errs = append(errs, fmt.Errorf("disposing extension %s: %w", ext.Name(), err))
		}
	}
	if s.rt.loop != nil {
		if err := s.rt.loop.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
