package state

import "context"

// Extension provides hooks into the broker lifecycle
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a root scope
	Init(scope *Scope) error

	// Wrap intercepts operations (action, flush, mount, unmount)
	Wrap(ctx context.Context, next func() error, op *Operation) error

	// OnError is told about action failures, before OnError routing
	OnError(err error, op *Operation)

	// OnChange is called after every effective SetState
	OnChange(op *Operation, changed []string, version uint64)

	// OnCleanupError handles cleanup failures
	// Returns true if the error was handled, false to use default behavior
	OnCleanupError(err *CleanupError) bool

	// Dispose is called when the root scope is disposed
	Dispose(scope *Scope) error
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(scope *Scope) error {
	return nil
}

func (e *BaseExtension) Wrap(ctx context.Context, next func() error, op *Operation) error {
	return next()
}

func (e *BaseExtension) OnError(err error, op *Operation) {
}

func (e *BaseExtension) OnChange(op *Operation, changed []string, version uint64) {
}

func (e *BaseExtension) OnCleanupError(err *CleanupError) bool {
	return false
}

func (e *BaseExtension) Dispose(scope *Scope) error {
	return nil
}

// Operation describes what operation is happening
type Operation struct {
	Kind OperationKind
	// State is the state name the operation belongs to.
	State string
	// Action is set for OpAction.
	Action string
	Scope  *Scope
	Broker *Broker
}

// OperationKind represents the type of operation
type OperationKind string

const (
	// OpAction indicates an action invocation
	OpAction OperationKind = "action"
	// OpSetState indicates an effective state change
	OpSetState OperationKind = "set_state"
	// OpFlush indicates a batched listener notification
	OpFlush OperationKind = "flush"
	// OpMount indicates a provider mount, including Init
	OpMount OperationKind = "mount"
	// OpUnmount indicates a provider unmount, including Destroy
	OpUnmount OperationKind = "unmount"
)

// wrapOperation chains exts around fn. The lowest order wraps outermost.
func wrapOperation(ctx context.Context, exts []Extension, op *Operation, fn func() error) error {
	next := fn
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() error {
			return ext.Wrap(ctx, currentNext, op)
		}
	}
	return next()
}
