package state

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// ErrBrokerGone is returned by writes against an unmounted broker.
	ErrBrokerGone = errors.New("state broker is gone")
	// ErrUnknownAction is returned when calling an action that was never defined.
	ErrUnknownAction = errors.New("unknown action")
	// ErrScopeDisposed is returned when mounting into a disposed scope.
	ErrScopeDisposed = errors.New("scope is disposed")
	// ErrSchedulerClosed is returned by Post once a scheduler has been closed.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// ProtectedFieldError reports an attempt to set a derived property.
type ProtectedFieldError struct {
	State   string
	Key     string
	Derived []string
}

func (e *ProtectedFieldError) Error() string {
	return fmt.Sprintf("state %s: derived property %q may not be set explicitly (derived: %s)",
		e.State, e.Key, strings.Join(e.Derived, ", "))
}

// NoProviderError reports a lookup of a state that has no provider in scope.
type NoProviderError struct {
	Name string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider found for state %q", e.Name)
}

// ReentrancyLimitError reports too many SetState calls issued from OnChange
// handlers within one notification cycle.
type ReentrancyLimitError struct {
	State string
	Limit int
}

func (e *ReentrancyLimitError) Error() string {
	return fmt.Sprintf("state %s: more than %d nested SetState calls from OnChange", e.State, e.Limit)
}

// DuplicateStateNameError is returned by CreateState for a reused name when
// strict names are enabled.
type DuplicateStateNameError struct {
	Name string
}

func (e *DuplicateStateNameError) Error() string {
	return fmt.Sprintf("state names must be unique: %q already exists", e.Name)
}

// ActionError wraps a failure of an action that has no OnError handler.
type ActionError struct {
	State  string
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s.%s: %v", e.State, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking action.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(recovered any) *PanicError {
	return &PanicError{
		Value: recovered,
		Stack: debug.Stack(),
	}
}

// CleanupError contains information about a cleanup failure
type CleanupError struct {
	Scope   string
	Err     error
	Context string // "unmount" or "dispose"
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of scope %s during %s: %v", e.Scope, e.Context, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
