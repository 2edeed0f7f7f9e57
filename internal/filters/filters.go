// Package filters implements the user-extensible filter registry a
// cache_entry can reference by name via use_filter (Design Notes §9,
// supplementing spec.md §4.7): a startup-resolved set of named
// predicates/responders a cache_entry's on_request/after_response
// phase consults before falling through to the normal cache-aside
// behavior. Grounded on the teacher's internal/expr hybrid CEL
// evaluator (repurposed from rule conditions to filter predicates) and
// internal/templates sandboxed renderer (repurposed from response
// rendering to canned short-circuit bodies).
package filters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/templates"
)

// Filter is the capability set a named filter entry may implement.
// Either method may be a no-op: a CEL predicate filter has nothing to
// do in AfterResponse, and a template filter's OnRequest is its only
// meaningful phase.
type Filter interface {
	// OnRequest may return a non-nil Response to short-circuit the
	// request before the normal cache-aside lookup runs.
	OnRequest(ctx context.Context, st *pipeline.State) (*pipeline.Response, error)
	// AfterResponse runs once the client response has been flushed,
	// mirroring the AfterResponse phase of pipeline.Middleware.
	AfterResponse(ctx context.Context, st *pipeline.State) error
}

// Registry resolves a cache_entry's use_filter name to a constructed
// Filter. It is built once at startup from casper.internal.yaml's
// filters block; entries that fail to compile are skipped (logged),
// matching the fail-open posture the rest of config loading follows.
type Registry struct {
	filters map[string]Filter
}

// New compiles every configured filter definition. Unrecognized kinds
// and compile failures are logged and skipped rather than failing
// startup, per Design Notes §9 ("a cache_entry.use_filter naming
// neither is a configuration error surfaced at startup").
func New(defs map[string]config.FilterConfig, renderer *templates.Renderer, logger *slog.Logger) *Registry {
	reg := &Registry{filters: make(map[string]Filter, len(defs))}
	if logger == nil {
		logger = slog.Default()
	}
	for name, def := range defs {
		f, err := build(def, renderer)
		if err != nil {
			logger.Warn("filters: skipping definition", slog.String("name", name), slog.Any("error", err))
			continue
		}
		reg.filters[name] = f
	}
	return reg
}

// Resolve looks up a named filter. It returns (nil, false) for an
// empty name, an unknown name, or a nil Registry, so callers can
// unconditionally check the second return value.
func (r *Registry) Resolve(name string) (Filter, bool) {
	if r == nil || name == "" {
		return nil, false
	}
	f, ok := r.filters[name]
	return f, ok
}

func build(def config.FilterConfig, renderer *templates.Renderer) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(def.Kind)) {
	case "cel":
		return newCELFilter(def)
	case "template":
		return newTemplateFilter(def, renderer)
	default:
		return nil, fmt.Errorf("filters: unsupported kind %q", def.Kind)
	}
}

// requestContext builds the CEL/template activation data shared by
// both filter kinds.
func requestContext(st *pipeline.State) map[string]any {
	headers := make(map[string]string, len(st.Headers))
	for k, v := range st.Headers {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	cacheName := ""
	if st.Cacheability.CacheEntry != nil {
		cacheName = st.Cacheability.CacheEntry.Name
	}
	return map[string]any{
		"request": map[string]any{
			"method":      st.Method,
			"uri":         st.URI,
			"destination": st.Destination,
			"headers":     headers,
		},
		"cache": map[string]any{
			"name": cacheName,
		},
	}
}
