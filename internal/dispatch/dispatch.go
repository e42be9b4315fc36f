// Package dispatch holds the pieces shared by the event consumer and the
// command queue: the handler result type, type-keyed handler registries and
// panic-safe handler invocation.
package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrNotHandled is returned when every registered handler ignored a record.
var ErrNotHandled = errors.New("not handled")

// Result is either Ignored (the handler declines the record) or Handled with
// an optional value.
type Result struct {
	handled bool
	value   any
}

func Ignored() Result {
	return Result{}
}

func Handled(value any) Result {
	return Result{handled: true, value: value}
}

func (r Result) IsIgnored() bool {
	return !r.handled
}

func (r Result) Value() any {
	return r.value
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Call runs fn and converts a panic into a *PanicError.
func Call(fn func() (Result, error)) (res Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			res = Ignored()
			err = &PanicError{Value: recovered, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func IsPanic(err error) bool {
	var panicErr *PanicError
	return errors.As(err, &panicErr)
}

// Registry maps record types to ordered handler lists and keeps a separate
// list of catch-all handlers.
type Registry[H any] struct {
	mu    sync.RWMutex
	typed map[string][]H
	all   []H
}

func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{typed: make(map[string][]H)}
}

func (r *Registry[H]) Add(recordType string, handler H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed[recordType] = append(r.typed[recordType], handler)
}

func (r *Registry[H]) AddAll(handler H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, handler)
}

func (r *Registry[H]) Typed(recordType string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]H(nil), r.typed[recordType]...)
}

func (r *Registry[H]) All() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]H(nil), r.all...)
}
