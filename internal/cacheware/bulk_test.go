package cacheware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yelp/casper/internal/cacheability"
	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/storage"
	"github.com/yelp/casper/internal/upstream"
)

func usersEntry() *config.CacheEntry {
	return &config.CacheEntry{
		Name:          "users",
		Pattern:       regexp.MustCompile(`^(/users\?ids=)([\w%,]+)(&v=1)$`),
		RequestMethod: "GET",
		BulkSupport:   true,
		IDIdentifier:  "id",
		TTL:           time.Minute,
	}
}

func TestBulkFanOutConsolidatesMisses(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`[{"id":2,"n":"b"}]`))
	}))
	defer srv.Close()

	store := storage.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, bulkKey("b", "users", "1"), nil, storage.Response{Status: 200, Body: []byte(`[{"id":1,"n":"a"}]`)}, time.Minute))
	require.NoError(t, store.Store(ctx, bulkKey("b", "users", "3"), nil, storage.Response{Status: 200, Body: []byte(`[{"id":3,"n":"c"}]`)}, time.Minute))

	bulk := NewBulk(store, upstream.New(time.Second), func(string) (string, map[string]string, error) {
		return srv.URL, nil, nil
	}, testRecorder(), discardLogger())

	st := pipeline.NewState("GET", "/users?ids=1%2C2%2C3&v=1", "", "b", "", http.Header{})
	st.NormalizedURI = "/users?ids=1%2C2%2C3&v=1"
	st.Cacheability = cacheability.Decision{IsCacheable: true, CacheName: "users", CacheEntry: usersEntry()}

	resp, err := bulk.OnRequest(ctx, st)
	require.NoError(t, err)
	require.Equal(t, "/users?ids=2&v=1", gotURL)
	require.JSONEq(t, `[{"id":1,"n":"a"},{"id":2,"n":"b"},{"id":3,"n":"c"}]`, string(resp.Body))
	require.Equal(t, "miss", st.CacheStatus)

	st.Response = resp
	require.NoError(t, bulk.AfterResponse(ctx, st))

	stored, err := store.Get(ctx, bulkKey("b", "users", "2"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.JSONEq(t, `[{"id":2,"n":"b"}]`, string(stored.Body))
}

func TestBulkAllHitsNeverCallsUpstream(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	store := storage.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, bulkKey("b", "users", "1"), nil, storage.Response{Status: 200, Body: []byte(`[{"id":1}]`)}, time.Minute))

	bulk := NewBulk(store, upstream.New(time.Second), func(string) (string, map[string]string, error) {
		return srv.URL, nil, nil
	}, testRecorder(), discardLogger())

	st := pipeline.NewState("GET", "/users?ids=1&v=1", "", "b", "", http.Header{})
	st.NormalizedURI = "/users?ids=1&v=1"
	st.Cacheability = cacheability.Decision{IsCacheable: true, CacheName: "users", CacheEntry: usersEntry()}

	resp, err := bulk.OnRequest(ctx, st)
	require.NoError(t, err)
	require.False(t, called)
	require.True(t, resp.IsCached)
	require.Equal(t, "hit", st.CacheStatus)
}

func TestBulkOrdinalPreservedWithNullElement(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	store := storage.NewMemoryStore(0)
	ctx := context.Background()

	bulk := NewBulk(store, upstream.New(time.Second), func(string) (string, map[string]string, error) {
		return srv.URL, nil, nil
	}, testRecorder(), discardLogger())

	st := pipeline.NewState("GET", "/users?ids=9&v=1", "", "b", "", http.Header{})
	st.NormalizedURI = "/users?ids=9&v=1"
	entry := usersEntry()
	st.Cacheability = cacheability.Decision{IsCacheable: true, CacheName: "users", CacheEntry: entry}

	resp, err := bulk.OnRequest(ctx, st)
	require.NoError(t, err)
	require.Equal(t, "/users?ids=9&v=1", gotURL)
	require.Equal(t, "[null]", string(resp.Body))

	st.Response = resp
	require.NoError(t, bulk.AfterResponse(ctx, st))

	stored, err := store.Get(ctx, bulkKey("b", "users", "9"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "[null]", string(stored.Body))
}
