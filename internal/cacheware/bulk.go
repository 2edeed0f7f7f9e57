package cacheware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/upstream"
)

// bulkNull is the sentinel stored for an ID whose upstream element is a
// JSON literal null, so a stored null round-trips distinctly from "no
// entry for this ID" (spec §4.8 edge policy).
var bulkNull = []byte("null")

// bulkExtraKey is where Bulk.OnRequest stashes the bookkeeping
// Bulk.AfterResponse needs on State.Extra.
const bulkExtraKey = "cacheware.bulk"

// Bulk is the cache-aside middleware for bulk_support cache_entry
// matches: parse the ID set from the URI, fan out per-ID lookups, build
// a reduced request for misses, and assemble the ordinal-preserving
// response array (spec §4.8).
type Bulk struct {
	store    storage.Store
	client   *upstream.Client
	resolve  Resolver
	recorder *observability.Recorder
	logger   *slog.Logger
}

// NewBulk constructs a Bulk cache-aside handler.
func NewBulk(store storage.Store, client *upstream.Client, resolve Resolver, recorder *observability.Recorder, logger *slog.Logger) *Bulk {
	return &Bulk{store: store, client: client, resolve: resolve, recorder: recorder, logger: logger}
}

// Name identifies this middleware for logging.
func (b *Bulk) Name() string { return "cacheware.bulk" }

type bulkParse struct {
	prefix    string
	suffix    string
	ids       []string
	separator string
}

// parseBulkURI implements phase 1: extract the ID-list substring from
// capture group 2, splitting on whichever separator actually produces
// more than one piece (spec §4.8 phase 1).
func parseBulkURI(entry *config.CacheEntry, normalizedURI string) (bulkParse, bool) {
	m := entry.Pattern.FindStringSubmatchIndex(normalizedURI)
	if m == nil || len(m) < 8 {
		return bulkParse{}, false
	}
	prefix := normalizedURI[m[2]:m[3]]
	idList := normalizedURI[m[4]:m[5]]
	suffix := normalizedURI[m[6]:m[7]]

	sep := "%2C"
	ids := strings.Split(idList, sep)
	if len(ids) < 2 {
		sep = ","
		ids = strings.Split(idList, sep)
	}
	return bulkParse{prefix: prefix, suffix: suffix, ids: ids, separator: sep}, true
}

// buildURI substitutes ids (joined by sep) back into the captured slot.
func (p bulkParse) buildURI(ids []string) string {
	return p.prefix + strings.Join(ids, p.separator) + p.suffix
}

type bulkSlot struct {
	id      string
	element json.RawMessage // nil until resolved
	hit     bool
}

// bulkBookkeeping is what OnRequest computes that AfterResponse needs
// for the cache-write phase (spec §4.8 phase 6).
type bulkBookkeeping struct {
	slots       []bulkSlot
	missIdx     []int
	readFailure bool
	entry       *config.CacheEntry
	cacheName   string
}

// OnRequest runs phases 1-4 synchronously, leaving phase 6 (cache
// write) to AfterResponse. It only activates for GET requests the
// evaluator matched to a bulk_support entry (spec §4.8's guard).
func (b *Bulk) OnRequest(ctx context.Context, st *pipeline.State) (*pipeline.Response, error) {
	decision := st.Cacheability
	if decision.CacheEntry == nil || !decision.CacheEntry.BulkSupport || strings.ToUpper(st.Method) != "GET" || (!decision.IsCacheable && !decision.RefreshCache) {
		return nil, nil
	}
	entry := decision.CacheEntry

	parsed, ok := parseBulkURI(entry, st.NormalizedURI)
	if !ok {
		return nil, fmt.Errorf("cacheware.bulk: pattern did not match normalized URI %q", st.NormalizedURI)
	}

	slots := make([]bulkSlot, len(parsed.ids))
	for i, id := range parsed.ids {
		slots[i] = bulkSlot{id: id}
	}

	// A no-cache-header decision skips the fan-out lookup entirely and
	// treats every ordinal as a miss (spec P8: refresh_cache forces a
	// fresh upstream read). Otherwise phases 2-3 run the concurrent
	// per-ordinal lookup and collation.
	var headerPool map[string]string
	var readFailure bool
	if decision.RefreshCache {
		headerPool = map[string]string{}
	} else {
		headerPool, readFailure = b.fanOutAndCollate(ctx, st.Destination, decision.CacheName, slots)
	}

	var missIDs []string
	var missIdx []int
	for i, slot := range slots {
		if !slot.hit {
			missIDs = append(missIDs, slot.id)
			missIdx = append(missIdx, i)
		}
	}

	if len(missIDs) == 0 {
		// All IDs hit: the upstream is never contacted (edge policy).
		st.CacheStatus = "hit"
		return &pipeline.Response{
			Status:   200,
			Headers:  headerPool,
			Body:     assembleBody(slots),
			IsCached: true,
		}, nil
	}

	// Phase 4: miss consolidation.
	missURI := parsed.buildURI(missIDs)
	baseURL, extraHeaders, err := b.resolve(st.Destination)
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

	forwarded := b.client.Forward(ctx, "GET", baseURL+missURI, reqHeaders, nil)
	if forwarded.Status != 200 {
		st.CacheStatus = nonCacheableStatusReason(forwarded.Status)
		return &pipeline.Response{
			Status:    forwarded.Status,
			Headers:   forwarded.Headers,
			Body:      forwarded.Body,
			IsProxied: true,
		}, nil
	}
	contentType := strings.ToLower(forwarded.Headers["content-type"])
	if !strings.Contains(contentType, "application/json") {
		st.CacheStatus = fmt.Sprintf("unable to process response; content-type is %s", forwarded.Headers["content-type"])
		return &pipeline.Response{
			Status:    200,
			Headers:   forwarded.Headers,
			Body:      forwarded.Body,
			IsProxied: true,
		}, nil
	}

	var missElements []json.RawMessage
	if err := json.Unmarshal(forwarded.Body, &missElements); err != nil {
		return nil, fmt.Errorf("cacheware.bulk: decode miss response: %w", err)
	}
	byID := map[string]json.RawMessage{}
	for _, el := range missElements {
		if id := extractIdentifier(el, entry.IDIdentifier); id != "" {
			byID[id] = el
		}
	}
	for n, idx := range missIdx {
		id := missIDs[n]
		if el, found := byID[id]; found {
			slots[idx].element = el
		} else if !entry.DontCacheMissingIDs {
			slots[idx].element = bulkNull
		}
	}

	if decision.RefreshCache {
		st.CacheStatus = "no-cache-header"
	} else {
		st.CacheStatus = "miss"
	}
	if st.Extra == nil {
		st.Extra = map[string]any{}
	}
	st.Extra[bulkExtraKey] = &bulkBookkeeping{
		slots:       slots,
		missIdx:     missIdx,
		readFailure: readFailure,
		entry:       entry,
		cacheName:   decision.CacheName,
	}

	return &pipeline.Response{
		Status:    200,
		Headers:   mergeHeaders(headerPool, forwarded.Headers),
		Body:      assembleBody(slots),
		IsProxied: true,
	}, nil
}

// fanOutAndCollate runs phases 2-3: a concurrent storage.Get per
// ordinal, then collates hits into slots in place, returning the
// union of response headers seen and whether any lookup failed at the
// transport level (spec §4.8 phases 2-3).
func (b *Bulk) fanOutAndCollate(ctx context.Context, destination, cacheName string, slots []bulkSlot) (map[string]string, bool) {
	type lookupResult struct {
		idx  int
		resp *storage.Response
		err  error
	}
	results := make(chan lookupResult, len(slots))
	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			resp, err := b.store.Get(ctx, bulkKey(destination, cacheName, id))
			results <- lookupResult{idx: i, resp: resp, err: err}
		}(i, slot.id)
	}
	go func() { wg.Wait(); close(results) }()

	headerPool := map[string]string{}
	var readFailure bool
	for res := range results {
		if res.err != nil {
			readFailure = true
			continue
		}
		if res.resp == nil {
			continue // miss: leave slot.element nil so phase 4 fills it in
		}
		slots[res.idx].hit = true
		for k, v := range res.resp.Headers {
			if _, exists := headerPool[k]; !exists {
				headerPool[k] = v
			}
		}
		body := res.resp.Body
		if string(body) == "null" {
			slots[res.idx].element = nil
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err == nil && len(arr) == 1 {
			slots[res.idx].element = arr[0]
		}
	}
	return headerPool, readFailure
}

// AfterResponse runs phase 6: one storage.Store per miss ordinal with a
// resolved (possibly null) element, skipped entirely if any fan-out
// lookup hit a transport error (spec §4.8 phase 6).
func (b *Bulk) AfterResponse(ctx context.Context, st *pipeline.State) error {
	raw, ok := st.Extra[bulkExtraKey]
	if !ok {
		return nil
	}
	ann := raw.(*bulkBookkeeping)
	if ann.readFailure {
		return nil
	}
	ttl := entryTTL(ann.entry)
	for _, idx := range ann.missIdx {
		slot := ann.slots[idx]
		if slot.element == nil && ann.entry.DontCacheMissingIDs {
			continue
		}
		body := bulkNull
		if slot.element != nil {
			body = []byte(fmt.Sprintf("[%s]", slot.element))
		}
		surrogates := []string{
			fmt.Sprintf("%s|%s", st.Destination, ann.cacheName),
			fmt.Sprintf("%s|%s|%s", st.Destination, ann.cacheName, slot.id),
		}
		storeStart := time.Now()
		err := b.store.Store(ctx, bulkKey(st.Destination, ann.cacheName, slot.id), surrogates, storage.Response{Status: 200, Body: body}, ttl)
		outcome := observability.OutcomeHit
		if err != nil {
			outcome = observability.OutcomeError
			b.logger.Error("bulk cache store failed", "destination", st.Destination, "id", slot.id, "error", err)
		}
		b.recorder.ObserveCacheOperation(st.Destination, ann.cacheName, "store", outcome, time.Since(storeStart))
	}
	return nil
}

// bulkKey derives the per-ID storage key. It is intentionally simpler
// than the general key deriver: bulk records are addressed purely by
// (destination, cache_name, id), not by the full primary-key sequence,
// since every bulk ID shares the same URI template.
func bulkKey(destination, cacheName, id string) string {
	return "bulk\x1f" + destination + "\x1f" + cacheName + "\x1f" + id
}

func assembleBody(slots []bulkSlot) []byte {
	var out []json.RawMessage
	for _, slot := range slots {
		if slot.element == nil {
			continue
		}
		out = append(out, slot.element)
	}
	body, _ := json.Marshal(out)
	return body
}

func extractIdentifier(el json.RawMessage, idField string) string {
	if idField == "" {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(el, &obj); err != nil {
		return ""
	}
	raw, ok := obj[idField]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return url.QueryEscape(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return url.QueryEscape(n.String())
	}
	return ""
}

func mergeHeaders(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}
