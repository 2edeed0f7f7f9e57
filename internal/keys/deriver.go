// Package keys computes the primary and surrogate cache keys for a request
// that the cacheability evaluator has already matched to a cache_entry
// (spec §4.4).
package keys

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yelp/casper/internal/cacheability"
	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/normalize"
)

// Keys is the output of key derivation for one request.
type Keys struct {
	// Primary is the ordered sequence that, joined, forms the opaque
	// storage key. Present iff the request is cacheable or force-refresh.
	Primary []string
	// Surrogates index this record for group deletion (I3).
	Surrogates []string
	// ExtractedID is the bulk-ID discriminator extracted from the URI for
	// GET requests with enable_id_extraction set; empty otherwise.
	ExtractedID string
}

// Derive computes Keys for a request the evaluator has matched to
// decision.CacheEntry. destination and the decision's cache_name are
// required; headers are the raw request headers (used for vary_headers
// projection); body is the raw POST body (ignored for GET).
// normalizedBody, when non-nil, is the field-projected body Classify
// already computed (State.NormalizedBody) and is used as-is instead of
// projecting body again; callers with no pre-projected body may pass nil.
func Derive(method, normalizedURI string, headers map[string][]string, body []byte, normalizedBody []byte, destination string, decision cacheability.Decision, svc *config.ServiceConfig) (Keys, error) {
	entry := decision.CacheEntry
	if entry == nil {
		return Keys{}, fmt.Errorf("keys: decision has no matched cache_entry")
	}

	primary := []string{normalizedURI}

	method = strings.ToUpper(method)
	if method == "POST" && len(body) > 0 {
		fields := sortedUnion(entry.PostBodyID, entry.VaryBodyFieldList)
		if len(fields) > 0 {
			canonical := normalizedBody
			if canonical == nil {
				var err error
				canonical, err = normalize.Body(body, fields)
				if err != nil {
					return Keys{}, fmt.Errorf("keys: project body: %w", err)
				}
			}
			var decoded map[string]json.RawMessage
			if err := json.Unmarshal(canonical, &decoded); err != nil {
				return Keys{}, fmt.Errorf("keys: decode projected body: %w", err)
			}
			for _, field := range fields {
				primary = append(primary, field, string(decoded[field]))
			}
		}
	}

	primary = append(primary, destination, decision.CacheName)

	var extractedID string
	if method == "GET" && entry.EnableIDExtraction && entry.Pattern != nil {
		if m := entry.Pattern.FindStringSubmatch(normalizedURI); len(m) > 1 {
			extractedID = firstID(m[1])
		}
	}

	varyHeaders := entry.VaryHeaders
	if len(varyHeaders) == 0 && svc != nil {
		varyHeaders = svc.VaryHeaders
	}
	lookup := newHeaderLookup(headers)
	for _, name := range varyHeaders {
		primary = append(primary, lookup.get(name))
	}

	surrogates := []string{fmt.Sprintf("%s|%s", destination, decision.CacheName)}
	if extractedID != "" {
		surrogates = append(surrogates, fmt.Sprintf("%s|%s|%s", destination, decision.CacheName, extractedID))
	}

	return Keys{Primary: primary, Surrogates: surrogates, ExtractedID: extractedID}, nil
}

// firstID splits a captured ID-list slot on the separator that is actually
// present (%2C is the URL-encoded comma SmartStack clients send) and
// returns the first element.
func firstID(captured string) string {
	sep := "%2C"
	if !strings.Contains(captured, sep) {
		sep = ","
	}
	parts := strings.Split(captured, sep)
	if len(parts) == 0 {
		return captured
	}
	return parts[0]
}

func sortedUnion(single string, list []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(list)+1)
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	add(single)
	for _, f := range list {
		add(f)
	}
	sort.Strings(out)
	return out
}

type headerLookup struct {
	values map[string]string
}

func newHeaderLookup(headers map[string][]string) headerLookup {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(name), "_", "-")
		if _, exists := out[key]; !exists {
			out[key] = values[0]
		}
	}
	return headerLookup{values: out}
}

func (l headerLookup) get(name string) string {
	return l.values[strings.ReplaceAll(strings.ToLower(name), "_", "-")]
}

// keySeparator joins primary-key fields into the opaque storage key.
// Unit separator (0x1f) is chosen because it cannot appear in a
// normalized URI, header value, or JSON-projected field.
const keySeparator = "\x1f"

// Join renders an ordered primary-key sequence into the opaque string
// a Store implementation keys its entries by.
func Join(primary []string) string {
	return strings.Join(primary, keySeparator)
}

// SurrogateForPurge builds the narrowest surrogate key for a purge request
// (spec §4.10): "<ns>|<cache>" or, when id is set, "<ns>|<cache>|<id>".
func SurrogateForPurge(namespace, cacheName, id string) string {
	if id == "" {
		return fmt.Sprintf("%s|%s", namespace, cacheName)
	}
	return fmt.Sprintf("%s|%s|%s", namespace, cacheName, id)
}
