// Package normalize canonicalizes request URIs and vary-body projections so
// equivalent requests derive identical cache keys (spec §4.2).
package normalize

import (
	"sort"
	"strings"
)

// URI splits s on the first '?', sorts the query string's '&'-separated
// pairs lexicographically, and rejoins. The path component is never
// altered. A URI with no query string is returned unchanged.
//
// This makes normalize_uri byte-stable for any permutation of the same
// key=value multiset (spec P3), since the query is partitioned before
// sorting rather than parsed into a map, which would not preserve
// duplicate keys or undo percent-encoding differences.
func URI(s string) string {
	path, query, ok := strings.Cut(s, "?")
	if !ok {
		return s
	}
	if query == "" {
		return s
	}
	pairs := strings.Split(query, "&")
	sort.Strings(pairs)
	return path + "?" + strings.Join(pairs, "&")
}
