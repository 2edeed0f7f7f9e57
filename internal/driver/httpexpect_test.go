package driver

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/yelp/casper/internal/cacheware"
	"github.com/yelp/casper/internal/config"
)

// TestDriverEndToEndViaHTTPExpect exercises the driver the way a real
// client would, over an actual httptest.Server, grounded on the
// teacher's httpexpect-driven integration test style (cmd's
// TestIntegrationEnvironmentVariables) but in-process rather than
// spawning a subprocess.
func TestDriverEndToEndViaHTTPExpect(t *testing.T) {
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"biz_id":"yelp-sf"}`))
	}))
	defer upstream.Close()

	entry := &config.CacheEntry{Name: "biz", Pattern: regexp.MustCompile(`^/biz/.*$`), RequestMethod: "GET", TTL: time.Minute}
	svc := &config.ServiceConfig{Destination: "b", Entries: []*config.CacheEntry{entry}}
	d := newDriverForTest(t, upstream.URL, svc)

	casper := httptest.NewServer(d)
	defer casper.Close()

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  casper.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})

	expect.GET("/biz/yelp-sf").
		WithHeader("X-Smartstack-Source", "a").
		WithHeader("X-Smartstack-Destination", "b").
		WithHeader(cacheware.SyncHeader, "1").
		Expect().
		Status(http.StatusOK).
		Header("Spectre-Cache-Status").IsEqual("miss")

	expect.GET("/biz/yelp-sf").
		WithHeader("X-Smartstack-Source", "a").
		WithHeader("X-Smartstack-Destination", "b").
		Expect().
		Status(http.StatusOK).
		Header("Spectre-Cache-Status").IsEqual("hit")

	if upstreamCalls != 1 {
		t.Fatalf("expected upstream to be called exactly once, got %d", upstreamCalls)
	}

	expect.GET("/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object().ContainsKey("configsLoaded")
}
