// Package rpc implements the callable-method registry, the RPC dispatcher
// for WebSocket and JSON-RPC traffic, and the ambient invocation context
// available to handlers for the duration of a dispatch.
package rpc

import (
	"context"
	"net/http"
)

type invocationKey struct{}

// Invocation is the ambient call context established on entry to every
// dispatched handler. Fields other than Agent are present only when the
// dispatch originated from the matching source.
type Invocation struct {
	Agent      any
	Request    *http.Request
	Connection any
	Email      any
}

// WithInvocation returns a context carrying inv for the duration of a call.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// FromContext returns the current invocation, if any.
func FromContext(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*Invocation)
	return inv, ok
}

// CurrentAgent returns the agent owning the current dispatch, or nil when
// called outside a dispatched handler.
func CurrentAgent(ctx context.Context) any {
	if inv, ok := FromContext(ctx); ok {
		return inv.Agent
	}
	return nil
}
