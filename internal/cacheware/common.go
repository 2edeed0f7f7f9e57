package cacheware

import (
	"fmt"
	"time"

	"github.com/yelp/casper/internal/config"
)

// nonCacheableStatusReason renders the Spectre-Cache-Status reason for a
// non-200 upstream response (spec §7, ErrUpstreamNon2xx: "cache_status
// records the code").
func nonCacheableStatusReason(status int) string {
	return fmt.Sprintf("non-cacheable-response: status code is %d", status)
}

// entryTTL returns a cache_entry's configured TTL, falling back to
// DefaultTTL when the entry has none set.
func entryTTL(entry *config.CacheEntry) time.Duration {
	if entry == nil || entry.TTL <= 0 {
		return DefaultTTL
	}
	return entry.TTL
}
