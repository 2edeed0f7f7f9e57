package cacheware

import (
	"context"
	"strings"

	"github.com/yelp/casper/internal/cacheability"
	"github.com/yelp/casper/internal/normalize"
	"github.com/yelp/casper/internal/pipeline"
)

// Classify is the first middleware in the chain: it normalizes the
// request URI/body and runs the cacheability evaluator (spec §4.2,
// §4.3), annotating State for every later middleware. It never
// produces a Response itself.
type Classify struct{}

// Name identifies this middleware for logging.
func (Classify) Name() string { return "cacheware.classify" }

// OnRequest normalizes st.URI into st.NormalizedURI, projects the POST
// body when the matched entry needs it, and sets st.Cacheability.
func (Classify) OnRequest(ctx context.Context, st *pipeline.State) (*pipeline.Response, error) {
	st.NormalizedURI = normalize.URI(st.URI)

	contentType := st.Headers.Get("Content-Type")
	bodyEmpty := len(st.Body) == 0

	globalCfg := st.Global
	var decision cacheability.Decision
	if globalCfg == nil {
		decision = cacheability.Decision{Reason: "non-configured-namespace (" + st.Destination + ")"}
	} else {
		decision = cacheability.Decide(cacheability.Request{
			Method:        st.Method,
			NormalizedURI: st.NormalizedURI,
			Headers:       st.Headers,
			ContentType:   contentType,
			BodyEmpty:     bodyEmpty,
		}, st.Destination, st.ServiceConfig, *globalCfg)
	}
	st.Cacheability = decision

	if strings.ToUpper(st.Method) == "POST" && decision.IsCacheable && decision.CacheEntry != nil {
		fields := append([]string{}, decision.CacheEntry.VaryBodyFieldList...)
		if decision.CacheEntry.PostBodyID != "" {
			fields = append(fields, decision.CacheEntry.PostBodyID)
		}
		if len(fields) > 0 && len(st.Body) > 0 {
			projected, err := normalize.Body(st.Body, fields)
			if err == nil {
				st.NormalizedBody = projected
			}
		}
	}

	return nil, nil
}
