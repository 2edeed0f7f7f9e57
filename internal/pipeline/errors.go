package pipeline

import "fmt"

// ErrorKind classifies a pipeline failure by its HTTP status and
// propagation policy (spec.md §7). The driver and middlewares map
// errors to a Response using these kinds rather than raw status codes,
// so the propagation policy stays centralized.
type ErrorKind int

const (
	// ErrClientMalformed: missing/duplicated smartstack headers, invalid
	// purge arguments. 400.
	ErrClientMalformed ErrorKind = iota
	// ErrConfigMissing: destination config absent. 500 for internal
	// endpoints; falls through to upstream for proxied requests.
	ErrConfigMissing
	// ErrUpstreamTransport: synthesized as 502/504/500 by the upstream
	// client; never retried by the core.
	ErrUpstreamTransport
	// ErrUpstreamNon2xx: forwarded verbatim, cache write suppressed.
	ErrUpstreamNon2xx
	// ErrStorageRead: treated as a miss; suppresses the cache write on
	// this request.
	ErrStorageRead
	// ErrStorageWrite: logged, not surfaced; the client response has
	// already been flushed.
	ErrStorageWrite
	// ErrMiddlewareInternal: a panic or error inside a middleware's
	// OnRequest/OnResponse. 500 with the error string as body, unless an
	// earlier middleware already wrote a response.
	ErrMiddlewareInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrClientMalformed:
		return "client-malformed"
	case ErrConfigMissing:
		return "config-missing"
	case ErrUpstreamTransport:
		return "upstream-transport"
	case ErrUpstreamNon2xx:
		return "upstream-non-2xx"
	case ErrStorageRead:
		return "storage-read"
	case ErrStorageWrite:
		return "storage-write"
	case ErrMiddlewareInternal:
		return "middleware-internal"
	default:
		return "unknown"
	}
}

// Status returns the HTTP status a kind maps onto when the driver must
// synthesize a response body itself (internal endpoints, or a proxied
// request where no middleware produced a Response).
func (k ErrorKind) Status() int {
	switch k {
	case ErrClientMalformed:
		return 400
	case ErrConfigMissing:
		return 500
	case ErrMiddlewareInternal:
		return 500
	default:
		return 500
	}
}

// Error wraps an underlying cause with its ErrorKind so callers can
// branch on Kind without string matching.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error tagging err with kind.
func Wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
