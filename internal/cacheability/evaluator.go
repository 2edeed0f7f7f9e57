// Package cacheability implements the cacheability evaluator (spec §4.3):
// from (method, normalized URI, headers, destination config) it produces a
// CacheDecision that downstream components use to decide whether to
// consult storage at all.
package cacheability

import (
	"fmt"
	"strings"

	"github.com/yelp/casper/internal/config"
)

// Decision is the result of evaluating a request against a destination's
// cache_entry table.
type Decision struct {
	IsCacheable  bool
	RefreshCache bool
	Reason       string
	CacheName    string
	CacheEntry   *config.CacheEntry
}

// Request bundles the inputs the evaluator needs beyond config, so callers
// don't have to depend on net/http here.
type Request struct {
	Method        string
	NormalizedURI string
	Headers       map[string][]string
	ContentType   string
	BodyEmpty     bool
}

var noCacheHeaderChecks = []func(lookup headerLookup) bool{
	func(l headerLookup) bool { return valueIn(l.get("x-strongly-consistent-read"), "1", "true") },
	func(l headerLookup) bool { return valueIn(l.get("x-force-master-read"), "1", "true") },
	func(l headerLookup) bool { return strings.ToLower(l.get("cache-control")) == "no-cache" },
	func(l headerLookup) bool { return valueIn(l.get("pragma"), "no-cache", "spectre-no-cache") },
}

// Decide evaluates req against svc (nil if the destination has no loaded
// configuration) under global, implementing spec §4.3's algorithm exactly:
// the first matching cache_entry, tried in name-sorted order, wins (I1).
func Decide(req Request, destination string, svc *config.ServiceConfig, global config.GlobalConfig) Decision {
	if global.Casper.DisableCaching {
		return Decision{Reason: "caching disabled via configs"}
	}
	if svc == nil {
		return Decision{Reason: fmt.Sprintf("non-configured-namespace (%s)", destination)}
	}

	method := strings.ToUpper(req.Method)
	lookup := newHeaderLookup(req.Headers)

	for _, entry := range svc.Entries {
		if entry.RequestMethod != method {
			continue
		}
		pattern := entry.MatchPattern()
		if pattern == nil || !pattern.MatchString(req.NormalizedURI) {
			continue
		}

		if hasNoCacheHeader(lookup) {
			return Decision{
				RefreshCache: true,
				Reason:       "no-cache-header",
				CacheName:    entry.Name,
				CacheEntry:   entry,
			}
		}

		if method == "POST" {
			if !strings.HasPrefix(strings.ToLower(req.ContentType), "application/json") {
				return Decision{Reason: "non-cacheable-content-type", CacheName: entry.Name, CacheEntry: entry}
			}
			if entry.BulkSupport {
				return Decision{Reason: "no-bulk-support-for-post", CacheName: entry.Name, CacheEntry: entry}
			}
			if (entry.EnableIDExtraction || len(entry.VaryBodyFieldList) > 0) && req.BodyEmpty {
				return Decision{Reason: "non-cacheable-missing-body", CacheName: entry.Name, CacheEntry: entry}
			}
		}

		return Decision{IsCacheable: true, CacheName: entry.Name, CacheEntry: entry}
	}

	return Decision{Reason: fmt.Sprintf("non-cacheable-uri (%s)", destination)}
}

func hasNoCacheHeader(lookup headerLookup) bool {
	for _, check := range noCacheHeaderChecks {
		if check(lookup) {
			return true
		}
	}
	return false
}

func valueIn(v string, candidates ...string) bool {
	v = strings.ToLower(v)
	for _, c := range candidates {
		if v == c {
			return true
		}
	}
	return false
}

// headerLookup resolves header values by a canonical name ignoring case and
// treating '-' and '_' as equivalent, per §4.3's documented header-name
// rule. Values are compared lowercased; the lookup never mutates the
// caller's header map.
type headerLookup struct {
	values map[string]string
}

func newHeaderLookup(headers map[string][]string) headerLookup {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		key := canonicalHeaderName(name)
		if _, exists := out[key]; !exists {
			out[key] = values[0]
		}
	}
	return headerLookup{values: out}
}

func (l headerLookup) get(name string) string {
	return l.values[canonicalHeaderName(name)]
}

func canonicalHeaderName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}
