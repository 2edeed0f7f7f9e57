package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine runs a statically-ordered chain of middlewares against a
// State (spec.md §4.9). The chain order is fixed at construction time;
// it is not reordered per request.
type Engine struct {
	chain  []Middleware
	logger *slog.Logger
}

// New builds an Engine over chain, run in the given order for
// on_request and after_response, and in reverse for on_response.
func New(logger *slog.Logger, chain ...Middleware) *Engine {
	return &Engine{chain: chain, logger: logger}
}

// RunOnRequest executes on_request middlewares in chain order. The
// first one to return a non-nil Response short-circuits the rest; its
// index is recorded so RunOnResponse knows where to start unwinding.
// A panic or error inside a middleware is recovered, logged, and
// converted to ErrMiddlewareInternal unless an earlier middleware
// already produced a Response.
func (e *Engine) RunOnRequest(ctx context.Context, st *State) *Response {
	st.shortCircuitedAt = -1
	for i, mw := range e.chain {
		req, ok := mw.(OnRequester)
		if !ok {
			continue
		}
		resp, err := e.safeOnRequest(ctx, req, st)
		if err != nil {
			e.logger.Error("middleware on_request failed", "middleware", mw.Name(), "error", err)
			st.shortCircuitedAt = i
			st.Response = &Response{Status: ErrMiddlewareInternal.Status(), Body: []byte(err.Error())}
			return st.Response
		}
		if resp != nil {
			st.shortCircuitedAt = i
			st.Response = resp
			return resp
		}
	}
	return nil
}

func (e *Engine) safeOnRequest(ctx context.Context, mw OnRequester, st *State) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.OnRequest: %v", mw.Name(), r)
		}
	}()
	return mw.OnRequest(ctx, st)
}

// RunOnResponse executes on_response middlewares in reverse chain
// order, starting from the middleware that short-circuited (or from
// the last middleware in the chain if none did), per spec.md §4.9.
// Each middleware may rewrite st.Response in place.
func (e *Engine) RunOnResponse(ctx context.Context, st *State) {
	start := len(e.chain) - 1
	if st.shortCircuitedAt >= 0 {
		start = st.shortCircuitedAt
	}
	for i := start; i >= 0; i-- {
		mw, ok := e.chain[i].(OnResponder)
		if !ok {
			continue
		}
		if err := e.safeOnResponse(ctx, mw, st); err != nil {
			e.logger.Error("middleware on_response failed", "middleware", mw.Name(), "error", err)
		}
	}
}

func (e *Engine) safeOnResponse(ctx context.Context, mw OnResponder, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.OnResponse: %v", mw.Name(), r)
		}
	}()
	return mw.OnResponse(ctx, st)
}

// RunAfterResponse runs after_response hooks in chain order. The driver
// invokes it in its own goroutine after the client response has been
// flushed (invariant I4), or inline before writing the response when the
// request carries cacheware.SyncHeader; errors are logged only.
func (e *Engine) RunAfterResponse(ctx context.Context, st *State) {
	for _, mw := range e.chain {
		hook, ok := mw.(AfterResponder)
		if !ok {
			continue
		}
		if err := e.safeAfterResponse(ctx, hook, st); err != nil {
			e.logger.Error("middleware after_response failed", "middleware", mw.Name(), "error", err)
		}
	}
}

func (e *Engine) safeAfterResponse(ctx context.Context, mw AfterResponder, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.AfterResponse: %v", mw.Name(), r)
		}
	}()
	return mw.AfterResponse(ctx, st)
}
