// Package pipeline implements the middleware chain that C12's driver
// runs for every proxied request: sequential on_request with
// first-short-circuit-wins, reverse-order on_response, and
// fire-and-forget after_response hooks (spec.md §4.9), grounded on the
// engine/runtime pipeline that drives this codebase's own request
// lifecycle.
package pipeline

import (
	"net/http"
	"time"

	"github.com/yelp/casper/internal/cacheability"
	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/observability"
)

// State is the mutable, single-owner request context passed by
// reference to every middleware (spec.md §3's "Request context").
type State struct {
	Method         string
	URI            string
	NormalizedURI  string
	Body           []byte
	NormalizedBody []byte
	RemoteAddr     string
	Destination    string
	Source         string

	Headers http.Header

	ServiceConfig *config.ServiceConfig
	Global        *config.GlobalConfig

	Cacheability  cacheability.Decision
	PrimaryKey    []string
	SurrogateKeys []string
	ExtractedID   string

	// CacheStatus is transcribed verbatim into the Spectre-Cache-Status
	// response header: "hit", "miss", or a reason string.
	CacheStatus string

	Trace observability.TraceHeaders

	StartTime time.Time
	EndTime   time.Time

	Response *Response

	// Extra is a scratch bag a middleware can use to pass bookkeeping
	// from OnRequest to its own AfterResponse when that data doesn't
	// belong on the shared State (e.g. cacheware.Bulk's per-ordinal
	// fan-out results). Keyed by middleware name by convention.
	Extra map[string]any

	// shortCircuitedAt records the index of the middleware whose
	// OnRequest produced Response, so RunOnResponse knows where to
	// start unwinding (spec.md §4.9).
	shortCircuitedAt int
}

// Response is what a middleware (or the upstream) produced: either a
// cache hit, a forwarded upstream response, or a filter's canned
// short-circuit body.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte

	IsProxied bool
	IsCached  bool
}

// NewState seeds a request-scoped State at pipeline entry.
func NewState(method, uri, remoteAddr, destination, source string, headers http.Header) *State {
	return &State{
		Method:           method,
		URI:              uri,
		RemoteAddr:       remoteAddr,
		Destination:      destination,
		Source:           source,
		Headers:          headers,
		StartTime:        time.Now(),
		shortCircuitedAt: -1,
	}
}
