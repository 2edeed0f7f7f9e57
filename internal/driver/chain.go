package driver

import (
	"log/slog"
	"time"

	"github.com/yelp/casper/internal/cacheware"
	"github.com/yelp/casper/internal/filters"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/upstream"
)

// BuildChain assembles the fixed cacheware middleware chain in the
// order spec.md §4.12's data-flow note requires: classify first, then
// the three mutually-exclusive handlers (single, bulk, passthrough)
// whose guards jointly partition every request exactly once.
// filterRegistry may be nil when no cache_entry references use_filter.
func BuildChain(store storage.Store, httpTimeout time.Duration, resolve cacheware.Resolver, recorder *observability.Recorder, logger *slog.Logger, filterRegistry *filters.Registry) *pipeline.Engine {
	client := upstream.New(httpTimeout)
	return pipeline.New(logger,
		cacheware.Classify{},
		cacheware.NewSingle(store, client, resolve, recorder, logger, filterRegistry),
		cacheware.NewBulk(store, client, resolve, recorder, logger),
		cacheware.NewPassthrough(client, resolve, logger),
	)
}
