package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMethodNotFound is returned when a method is absent or was never
// marked callable.
var ErrMethodNotFound = errors.New("method not found")

// Func is a unary callable method. Args arrive as the raw JSON array
// elements of the request; the return value is marshaled into the result.
type Func func(ctx context.Context, args []json.RawMessage) (any, error)

// StreamFunc is a streaming callable method. Chunks go out through the
// sink; the value passed to its End becomes the final result.
type StreamFunc func(ctx context.Context, stream *StreamingResponse, args []json.RawMessage) error

// Method is one remotely invocable entry. Exactly one of Fn and StreamFn
// is set.
type Method struct {
	Fn       Func
	StreamFn StreamFunc
}

// Streaming reports whether the method produces a chunked response.
func (m Method) Streaming() bool {
	return m.StreamFn != nil
}

// Callback is a named handler invoked by the scheduler and queue engines
// with the persisted payload.
type Callback func(ctx context.Context, payload json.RawMessage) error

// Registry is the per-class set of callable methods and named callbacks.
// Methods are opt-in: only registered names are remotely invocable.
type Registry struct {
	methods   map[string]Method
	callbacks map[string]Callback
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:   make(map[string]Method),
		callbacks: make(map[string]Callback),
	}
}

// Register marks a unary method as callable.
func (r *Registry) Register(name string, fn Func) *Registry {
	r.methods[name] = Method{Fn: fn}
	return r
}

// RegisterStreaming marks a streaming method as callable.
func (r *Registry) RegisterStreaming(name string, fn StreamFunc) *Registry {
	r.methods[name] = Method{StreamFn: fn}
	return r
}

// RegisterCallback names a schedule/queue callback.
func (r *Registry) RegisterCallback(name string, cb Callback) *Registry {
	r.callbacks[name] = cb
	return r
}

// Lookup resolves a callable method by name.
func (r *Registry) Lookup(name string) (Method, error) {
	m, ok := r.methods[name]
	if !ok {
		return Method{}, ErrMethodNotFound
	}
	return m, nil
}

// Callback resolves a named callback.
func (r *Registry) Callback(name string) (Callback, error) {
	cb, ok := r.callbacks[name]
	if !ok {
		return nil, fmt.Errorf("callback %q: %w", name, ErrMethodNotFound)
	}
	return cb, nil
}

// HasCallback reports whether a callback name is registered.
func (r *Registry) HasCallback(name string) bool {
	_, ok := r.callbacks[name]
	return ok
}
