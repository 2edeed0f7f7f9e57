// Package cacheware implements the cache-aside request handlers that sit
// behind the cacheability evaluator in the middleware chain: Single for
// ordinary (non-bulk) cache_entry matches (spec §4.7, C7) and Bulk for
// bulk_support entries (spec §4.8, C8). Both are grounded on the pure
// HTTP-execution shape of the backend interaction agent elsewhere in
// this codebase, repurposed from rendered-template requests to
// resolved-destination cache-aside requests.
package cacheware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/yelp/casper/internal/filters"
	"github.com/yelp/casper/internal/keys"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/upstream"
)

// SyncHeader is the debug header (spec.md's Admission rule, §5) that
// forces synchronous storage instead of the normal fire-and-forget
// after_response write, so integration tests can assert on stored state
// without racing the background write.
const SyncHeader = "X-Casper-Sync"

// Resolver maps a destination name to the absolute base URL the
// upstream client should target, along with any extra header the
// transport needs (e.g. X-Yelp-Svc when routed through Envoy).
type Resolver func(destination string) (baseURL string, extraHeader map[string]string, err error)

// DefaultTTL is used when a matched cache_entry carries no explicit ttl.
const DefaultTTL = 60 * time.Second

// Single is the cache-aside middleware for non-bulk cache_entry
// matches: lookup, miss-forward, store (spec §4.7). It declines
// (returns nil, nil) for requests the evaluator did not mark cacheable,
// or whose matched entry has bulk_support set — those are Bulk's
// responsibility.
type Single struct {
	store    storage.Store
	client   *upstream.Client
	resolve  Resolver
	recorder *observability.Recorder
	logger   *slog.Logger
	filters  *filters.Registry
}

// NewSingle constructs a Single cache-aside handler. filterRegistry may
// be nil; Single treats a nil registry the same as one with no entries.
func NewSingle(store storage.Store, client *upstream.Client, resolve Resolver, recorder *observability.Recorder, logger *slog.Logger, filterRegistry *filters.Registry) *Single {
	return &Single{store: store, client: client, resolve: resolve, recorder: recorder, logger: logger, filters: filterRegistry}
}

// Name identifies this middleware for logging.
func (s *Single) Name() string { return "cacheware.single" }

// OnRequest serves a cache hit directly, or forwards to the upstream on
// a miss and leaves storage to AfterResponse (spec §4.7, S2). A
// no-cache-header decision (refresh_cache) skips the lookup entirely
// and goes straight to the upstream, still writing through on a 200
// (spec P8, S6).
func (s *Single) OnRequest(ctx context.Context, st *pipeline.State) (*pipeline.Response, error) {
	decision := st.Cacheability
	if decision.CacheEntry == nil || decision.CacheEntry.BulkSupport || (!decision.IsCacheable && !decision.RefreshCache) {
		return nil, nil
	}

	if decision.CacheEntry.UseFilter != "" {
		if f, ok := s.filters.Resolve(decision.CacheEntry.UseFilter); ok {
			resp, err := f.OnRequest(ctx, st)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				return resp, nil
			}
		}
	}

	derived, err := keys.Derive(st.Method, st.NormalizedURI, st.Headers, st.Body, st.NormalizedBody, st.Destination, decision, st.ServiceConfig)
	if err != nil {
		return nil, err
	}
	st.PrimaryKey = derived.Primary
	st.SurrogateKeys = derived.Surrogates
	st.ExtractedID = derived.ExtractedID

	storageKey := keys.Join(derived.Primary)

	var suppressWrite bool
	if decision.IsCacheable {
		lookupStart := time.Now()
		cached, getErr := s.store.Get(ctx, storageKey)
		outcome := observability.OutcomeMiss
		if getErr != nil {
			outcome = observability.OutcomeError
		} else if cached != nil {
			outcome = observability.OutcomeHit
		}
		s.recorder.ObserveCacheOperation(st.Destination, decision.CacheName, "lookup", outcome, time.Since(lookupStart))

		if getErr == nil && cached != nil {
			st.CacheStatus = "hit"
			return &pipeline.Response{
				Status:   cached.Status,
				Headers:  cached.Headers,
				Body:     cached.Body,
				IsCached: true,
			}, nil
		}
		// A storage-read error is treated as a miss but suppresses the
		// subsequent write (spec §7, ErrStorageRead).
		suppressWrite = getErr != nil
	}

	baseURL, extraHeaders, err := s.resolve(st.Destination)
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

	forwarded := s.client.Forward(ctx, st.Method, baseURL+st.URI, reqHeaders, st.Body)
	if forwarded.Status != 200 {
		st.CacheStatus = nonCacheableStatusReason(forwarded.Status)
		st.PrimaryKey = nil // ErrUpstreamNon2xx: cache write suppressed.
	} else if decision.RefreshCache {
		st.CacheStatus = "no-cache-header"
	} else {
		st.CacheStatus = "miss"
	}
	if suppressWrite {
		st.PrimaryKey = nil
	}

	return &pipeline.Response{
		Status:    forwarded.Status,
		Headers:   forwarded.Headers,
		Body:      forwarded.Body,
		IsProxied: true,
	}, nil
}

// AfterResponse persists a miss's response once the client response has
// already been flushed (invariant I4). It is a no-op for hits (nothing
// new to store) and for requests whose primary key was cleared because
// the write was suppressed (non-2xx upstream, or a prior storage-read
// error).
func (s *Single) AfterResponse(ctx context.Context, st *pipeline.State) error {
	if st.Response == nil || st.Response.IsCached || len(st.PrimaryKey) == 0 {
		return nil
	}
	decision := st.Cacheability
	if decision.CacheEntry == nil || decision.CacheEntry.BulkSupport || (!decision.IsCacheable && !decision.RefreshCache) {
		return nil
	}

	if decision.CacheEntry.UseFilter != "" {
		if f, ok := s.filters.Resolve(decision.CacheEntry.UseFilter); ok {
			if err := f.AfterResponse(ctx, st); err != nil {
				s.logger.Error("filter after_response failed", "destination", st.Destination, "cache_name", decision.CacheName, "error", err)
			}
		}
	}

	storeStart := time.Now()
	err := s.store.Store(ctx, keys.Join(st.PrimaryKey), st.SurrogateKeys, storage.Response{
		Status:  st.Response.Status,
		Headers: st.Response.Headers,
		Body:    st.Response.Body,
	}, entryTTL(decision.CacheEntry))
	outcome := observability.OutcomeHit
	if err != nil {
		outcome = observability.OutcomeError
		s.logger.Error("cache store failed", "destination", st.Destination, "cache_name", decision.CacheName, "error", err)
	}
	s.recorder.ObserveCacheOperation(st.Destination, decision.CacheName, "store", outcome, time.Since(storeStart))
	return nil
}
