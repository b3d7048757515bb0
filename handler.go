package jobq

import (
	"context"
	"fmt"
)

// HandlerFunc processes the JSON payload of one reserved job. A nil error
// deletes the job and its result is returned to the caller of Handle; a
// non-nil error moves the job to the failed pool.
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Typed adapts a handler that takes a decoded payload. Payloads that do not
// decode into T count as handler failures.
func Typed[T any](fn func(ctx context.Context, v T) (any, error)) HandlerFunc {
	enc := &JSONEncoder{}
	return func(ctx context.Context, payload []byte) (any, error) {
		var v T
		if err := enc.Decode(payload, &v); err != nil {
			return nil, fmt.Errorf("jobq: decode payload: %w", err)
		}
		return fn(ctx, v)
	}
}

// chain wraps h so that mws[0] is the outermost middleware.
func chain(h HandlerFunc, mws []Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// safeCall runs h and turns a panic into an error.
func safeCall(ctx context.Context, h HandlerFunc, payload []byte) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobq: handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
