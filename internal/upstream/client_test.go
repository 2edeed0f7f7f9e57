package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForwardSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	defer srv.Close()

	client := New(time.Second)
	resp := client.Forward(context.Background(), "GET", srv.URL, nil, nil)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, `{"ok":1}`, string(resp.Body))
	require.Equal(t, "application/json", resp.Headers["content-type"])
	_, hasConnection := resp.Headers["connection"]
	require.False(t, hasConnection)
}

func TestForwardConnectionRefused(t *testing.T) {
	client := New(time.Second)
	resp := client.Forward(context.Background(), "GET", "http://127.0.0.1:1", nil, nil)
	require.Equal(t, 502, resp.Status)
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(time.Millisecond)
	resp := client.Forward(context.Background(), "GET", srv.URL, nil, nil)
	require.Equal(t, 504, resp.Status)
}

func TestStripUncacheableHeaders(t *testing.T) {
	headers := map[string]string{"x-internal": "1", "content-type": "application/json"}
	out := StripUncacheable(headers, []string{"X-Internal"})
	require.Equal(t, map[string]string{"content-type": "application/json"}, out)
}
