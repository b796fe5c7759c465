package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/queuebus/contracts"
)

// Handler processes messages of one type.
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// Typed adapts a function taking the concrete payload type. A payload of any
// other type is reported as a handler fault.
func Typed[T any](fn func(ctx context.Context, payload T, msg *contracts.Message) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		payload, ok := msg.Payload.(T)
		if !ok {
			var zero T
			return fmt.Errorf("expected payload %T, got %T", zero, msg.Payload)
		}
		return fn(ctx, payload, msg)
	})
}

// MiddlewareFunc wraps handler invocation.
type MiddlewareFunc func(ctx context.Context, msg *contracts.Message, next Handler) error

// chain builds the middleware chain in reverse order so the first middleware
// runs outermost.
func chain(handler Handler, middleware []MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			return mw(ctx, msg, next)
		})
	}
	return handler
}
