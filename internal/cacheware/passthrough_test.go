package cacheware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yelp/casper/internal/cacheability"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/upstream"
)

func TestPassthroughForwardsNonCacheableRequest(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(201)
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	defer srv.Close()

	p := NewPassthrough(upstream.New(time.Second), func(string) (string, map[string]string, error) {
		return srv.URL, nil, nil
	}, discardLogger())

	st := pipeline.NewState("POST", "/checkins", "", "b", "", http.Header{})
	st.Cacheability = cacheability.Decision{Reason: "non-cacheable-uri (b)"}

	resp, err := p.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "POST", gotMethod)
	require.Equal(t, "/checkins", gotPath)
	require.Equal(t, 201, resp.Status)
	require.Equal(t, "non-cacheable-uri (b)", st.CacheStatus)
	require.True(t, resp.IsProxied)
}

func TestPassthroughDeclinesWhenAlreadyCacheable(t *testing.T) {
	p := NewPassthrough(upstream.New(time.Second), func(string) (string, map[string]string, error) {
		return "", nil, nil
	}, discardLogger())

	st := pipeline.NewState("GET", "/biz/sf", "", "b", "", http.Header{})
	st.Cacheability = cacheability.Decision{IsCacheable: true, CacheName: "biz"}

	resp, err := p.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestPassthroughDeclinesWhenRefreshCache(t *testing.T) {
	p := NewPassthrough(upstream.New(time.Second), func(string) (string, map[string]string, error) {
		return "", nil, nil
	}, discardLogger())

	st := pipeline.NewState("GET", "/biz/sf", "", "b", "", http.Header{})
	st.Cacheability = cacheability.Decision{RefreshCache: true, CacheName: "biz"}

	resp, err := p.OnRequest(context.Background(), st)
	require.NoError(t, err)
	require.Nil(t, resp)
}
