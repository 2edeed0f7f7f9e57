package cacheware

import (
	"context"
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/pipeline"
)

func TestClassifyAnnotatesCacheableGET(t *testing.T) {
	entry := &config.CacheEntry{Name: "biz", Pattern: regexp.MustCompile(`^/biz\?a=1&b=2$`), RequestMethod: "GET"}
	global := &config.GlobalConfig{}
	svc := &config.ServiceConfig{Destination: "b", Entries: []*config.CacheEntry{entry}}

	st := pipeline.NewState("GET", "/biz?b=2&a=1", "", "b", "", http.Header{})
	st.Global = global
	st.ServiceConfig = svc

	resp, err := Classify{}.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, "/biz?a=1&b=2", st.NormalizedURI)
	require.True(t, st.Cacheability.IsCacheable)
	require.Equal(t, "biz", st.Cacheability.CacheName)
}

func TestClassifyNonConfiguredNamespace(t *testing.T) {
	st := pipeline.NewState("GET", "/biz/sf", "", "unknown", "", http.Header{})
	st.Global = nil

	resp, err := Classify{}.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.False(t, st.Cacheability.IsCacheable)
	require.Equal(t, "non-configured-namespace (unknown)", st.Cacheability.Reason)
}

func TestClassifyProjectsPostBodyWhenCacheable(t *testing.T) {
	entry := &config.CacheEntry{
		Name:              "search",
		Pattern:           regexp.MustCompile(`^/search$`),
		RequestMethod:     "POST",
		VaryBodyFieldList: []string{"query"},
	}
	global := &config.GlobalConfig{}
	svc := &config.ServiceConfig{Destination: "b", Entries: []*config.CacheEntry{entry}}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	st := pipeline.NewState("POST", "/search", "", "b", "", headers)
	st.Body = []byte(`{"query":"tacos","session":"xyz"}`)
	st.Global = global
	st.ServiceConfig = svc

	_, err := Classify{}.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.True(t, st.Cacheability.IsCacheable)
	require.NotEmpty(t, st.NormalizedBody)
	require.Contains(t, string(st.NormalizedBody), "tacos")
	require.NotContains(t, string(st.NormalizedBody), "xyz")
}

func TestClassifyRejectsNonJSONPost(t *testing.T) {
	entry := &config.CacheEntry{Name: "search", Pattern: regexp.MustCompile(`^/search$`), RequestMethod: "POST"}
	global := &config.GlobalConfig{}
	svc := &config.ServiceConfig{Destination: "b", Entries: []*config.CacheEntry{entry}}

	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	st := pipeline.NewState("POST", "/search", "", "b", "", headers)
	st.Global = global
	st.ServiceConfig = svc

	_, err := Classify{}.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.False(t, st.Cacheability.IsCacheable)
	require.Equal(t, "non-cacheable-content-type", st.Cacheability.Reason)
}
