package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetMiss(t *testing.T) {
	s := NewMemoryStore(0)
	resp, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore(0)
	in := Response{Status: 200, Headers: map[string]string{"content-type": "application/json"}, Body: []byte(`{"name":"yelp"}`)}
	require.NoError(t, s.Store(context.Background(), "k1", []string{"b|biz"}, in, time.Minute))

	out, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, in.Status, out.Status)
	require.Equal(t, in.Body, out.Body)
}

func TestMemoryStoreExpiresAfterTTL(t *testing.T) {
	s := NewMemoryStore(0)
	in := Response{Status: 200, Body: []byte("x")}
	require.NoError(t, s.Store(context.Background(), "k1", nil, in, time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	out, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestMemoryStoreDeleteBySurrogateRemovesOnlyMatching(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "k7", []string{"destA|cacheA", "destA|cacheA|7"}, Response{Status: 200}, time.Minute))
	require.NoError(t, s.Store(ctx, "k8", []string{"destA|cacheA", "destA|cacheA|8"}, Response{Status: 200}, time.Minute))

	n, err := s.DeleteBySurrogates(ctx, []string{"destA|cacheA|7"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gone, err := s.Get(ctx, "k7")
	require.NoError(t, err)
	require.Nil(t, gone)

	still, err := s.Get(ctx, "k8")
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestMemoryStoreCompressesLargeBodies(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	big := make([]byte, 128)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, s.Store(ctx, "big", nil, Response{Status: 200, Body: big}, time.Minute))
	out, err := s.Get(ctx, "big")
	require.NoError(t, err)
	require.Equal(t, big, out.Body)
}
