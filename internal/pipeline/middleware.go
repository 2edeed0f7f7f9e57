package pipeline

import "context"

// Middleware is the base capability every chain member implements.
// Concrete middlewares additionally implement any subset of
// OnRequester, OnResponder, and AfterResponder (spec.md §4.9: "an
// ordered chain ... each middleware may short-circuit a Response").
type Middleware interface {
	Name() string
}

// OnRequester runs during the request phase, in chain order. Returning
// a non-nil *Response short-circuits the remainder of the request
// phase: no later middleware's OnRequest runs, and the response phase
// unwinds starting at this middleware (spec.md §4.9).
type OnRequester interface {
	Middleware
	OnRequest(ctx context.Context, st *State) (*Response, error)
}

// OnResponder runs during the response phase, in reverse chain order,
// starting from the middleware that short-circuited (or from the end
// of the chain if none did). It may rewrite st.Response in place.
type OnResponder interface {
	Middleware
	OnResponse(ctx context.Context, st *State) error
}

// AfterResponder runs after the client response has already been
// flushed (spec.md invariant I4: after_response must never delay the
// client response), except for a request carrying cacheware.SyncHeader,
// where the driver runs it before writing the response. Errors are
// logged only; they never reach the client.
type AfterResponder interface {
	Middleware
	AfterResponse(ctx context.Context, st *State) error
}
