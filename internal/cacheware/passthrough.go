package cacheware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/upstream"
)

// Passthrough is the tail middleware for requests the evaluator marked
// non-cacheable: it simply forwards to the destination with no storage
// interaction, recording decision.Reason as the cache status. Any
// request Classify/Single/Bulk didn't already resolve falls through to
// here, matching spec.md §2's data-flow note that an unmatched request
// still reaches the upstream.
type Passthrough struct {
	client  *upstream.Client
	resolve Resolver
	logger  *slog.Logger
}

// NewPassthrough constructs the plain-forward fallback middleware.
func NewPassthrough(client *upstream.Client, resolve Resolver, logger *slog.Logger) *Passthrough {
	return &Passthrough{client: client, resolve: resolve, logger: logger}
}

// Name identifies this middleware for logging.
func (p *Passthrough) Name() string { return "cacheware.passthrough" }

// OnRequest forwards every request Single and Bulk decline. It is a
// no-op when Classify marked the request cacheable or refresh (Single or
// Bulk already own that path), except for a refresh decision on a
// bulk_support entry with a non-GET method, which Bulk does not take.
func (p *Passthrough) OnRequest(ctx context.Context, st *pipeline.State) (*pipeline.Response, error) {
	if st.Cacheability.IsCacheable || st.Cacheability.RefreshCache {
		entry := st.Cacheability.CacheEntry
		if entry == nil || !entry.BulkSupport || strings.ToUpper(st.Method) == "GET" {
			return nil, nil
		}
	}
	st.CacheStatus = st.Cacheability.Reason

	baseURL, extraHeaders, err := p.resolve(st.Destination)
	if err != nil {
		return nil, err
	}
	reqHeaders := http.Header{}
	for k, v := range st.Headers {
		reqHeaders[k] = v
	}
	for name, value := range extraHeaders {
		reqHeaders.Set(name, value)
	}

	forwarded := p.client.Forward(ctx, st.Method, baseURL+st.URI, reqHeaders, st.Body)
	return &pipeline.Response{
		Status:    forwarded.Status,
		Headers:   forwarded.Headers,
		Body:      forwarded.Body,
		IsProxied: true,
	}, nil
}
