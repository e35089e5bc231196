package llm

import "context"

// CompleteFunc is the signature of a non-streaming completion call; each
// middleware wraps one to form a chain.
type CompleteFunc func(ctx context.Context, req Request) (Response, error)

// StreamFunc is the streaming equivalent of CompleteFunc.
type StreamFunc func(ctx context.Context, req Request) (Stream, error)

// Middleware intercepts Client.Complete/Stream calls. Either field may be
// nil, in which case that call type passes through unmodified.
type Middleware interface {
	WrapComplete(next CompleteFunc) CompleteFunc
	WrapStream(next StreamFunc) StreamFunc
}

// MiddlewareFunc adapts two plain functions into a Middleware.
type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
	Stream   func(ctx context.Context, req Request, next StreamFunc) (Stream, error)
}

func (m MiddlewareFunc) WrapComplete(next CompleteFunc) CompleteFunc {
	if m.Complete == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Response, error) {
		return m.Complete(ctx, req, next)
	}
}

func (m MiddlewareFunc) WrapStream(next StreamFunc) StreamFunc {
	if m.Stream == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Stream, error) {
		return m.Stream(ctx, req, next)
	}
}

// applyMiddlewareComplete builds the call chain in registration order: the
// first-registered middleware sees the request first and the response last.
func applyMiddlewareComplete(base CompleteFunc, chain []Middleware) CompleteFunc {
	h := base
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i].WrapComplete(h)
	}
	return h
}

func applyMiddlewareStream(base StreamFunc, chain []Middleware) StreamFunc {
	h := base
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i].WrapStream(h)
	}
	return h
}
