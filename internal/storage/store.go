// Package storage implements the storage abstraction (spec §4.5): get,
// store, delete_by_surrogates, fronted by an optional in-process TTL shim,
// with bodies above a size threshold persisted compressed.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrTransport is returned by Get/Store/DeleteBySurrogates when the
// backend itself failed (as opposed to a plain cache miss). Callers must
// be able to tell the two apart: a miss means "go fetch from upstream and
// consider writing through"; a transport error means "treat as a miss but
// suppress the write" (spec §7, StorageRead).
var ErrTransport = errors.New("storage: backend unavailable")

// Response is the cacheable record stored against a primary key. Headers
// preserve the first-seen value per case-insensitive name, matching the
// storage record format in spec §6.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Entry is what Store persists: a Response plus its surrogate index and
// expiry, so the backend can satisfy delete_by_surrogates without a
// separate side index.
type Entry struct {
	Response   Response
	Surrogates []string
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Store is the abstract K -> Response store with surrogate-key group
// deletion (spec §4.5). Implementations MUST be safe for concurrent use.
type Store interface {
	// Get returns the stored response for key, or (nil, nil) on a plain
	// miss. A non-nil error indicates a backend failure distinct from a
	// miss (wraps ErrTransport).
	Get(ctx context.Context, key string) (*Response, error)

	// Store persists resp under key, indexed by every surrogate in
	// surrogates, expiring after ttl. Failures are for the caller to log;
	// per spec they MUST NOT propagate as a client-visible error from the
	// cache-aside handlers, but the method itself still reports them so
	// callers can decide what "MUST NOT propagate" means at their layer.
	Store(ctx context.Context, key string, surrogates []string, resp Response, ttl time.Duration) error

	// DeleteBySurrogates removes every entry referencing any of the given
	// surrogate keys (I3) and returns the count removed.
	DeleteBySurrogates(ctx context.Context, surrogates []string) (int, error)

	// Size reports the number of live entries, used by /status and /configs.
	Size(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}
