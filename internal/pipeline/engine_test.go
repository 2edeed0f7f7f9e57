package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingMiddleware struct {
	name       string
	onRequest  func(ctx context.Context, st *State) (*Response, error)
	onResponse func(ctx context.Context, st *State) error
	afterResp  func(ctx context.Context, st *State) error
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) OnRequest(ctx context.Context, st *State) (*Response, error) {
	if m.onRequest == nil {
		return nil, nil
	}
	return m.onRequest(ctx, st)
}

func (m *recordingMiddleware) OnResponse(ctx context.Context, st *State) error {
	if m.onResponse == nil {
		return nil
	}
	return m.onResponse(ctx, st)
}

func (m *recordingMiddleware) AfterResponse(ctx context.Context, st *State) error {
	if m.afterResp == nil {
		return nil
	}
	return m.afterResp(ctx, st)
}

func TestOnRequestShortCircuitStopsChain(t *testing.T) {
	var order []string
	a := &recordingMiddleware{name: "a", onRequest: func(ctx context.Context, st *State) (*Response, error) {
		order = append(order, "a")
		return &Response{Status: 200}, nil
	}}
	b := &recordingMiddleware{name: "b", onRequest: func(ctx context.Context, st *State) (*Response, error) {
		order = append(order, "b")
		return nil, nil
	}}

	e := New(discardLogger(), a, b)
	st := NewState("GET", "/x", "", "dest", "", nil)
	resp := e.RunOnRequest(context.Background(), st)

	require.NotNil(t, resp)
	require.Equal(t, []string{"a"}, order)
	require.Equal(t, 0, st.shortCircuitedAt)
}

func TestOnResponseRunsInReverseFromShortCircuit(t *testing.T) {
	var order []string
	a := &recordingMiddleware{name: "a", onResponse: func(ctx context.Context, st *State) error {
		order = append(order, "a")
		return nil
	}}
	b := &recordingMiddleware{name: "b", onRequest: func(ctx context.Context, st *State) (*Response, error) {
		return &Response{Status: 200}, nil
	}, onResponse: func(ctx context.Context, st *State) error {
		order = append(order, "b")
		return nil
	}}
	c := &recordingMiddleware{name: "c", onResponse: func(ctx context.Context, st *State) error {
		order = append(order, "c")
		return nil
	}}

	e := New(discardLogger(), a, b, c)
	st := NewState("GET", "/x", "", "dest", "", nil)
	e.RunOnRequest(context.Background(), st)
	e.RunOnResponse(context.Background(), st)

	// b short-circuited at index 1; unwind from b down to a. c never runs.
	require.Equal(t, []string{"b", "a"}, order)
}

func TestOnResponseRunsFullReverseWhenNoShortCircuit(t *testing.T) {
	var order []string
	a := &recordingMiddleware{name: "a", onResponse: func(ctx context.Context, st *State) error {
		order = append(order, "a")
		return nil
	}}
	b := &recordingMiddleware{name: "b", onResponse: func(ctx context.Context, st *State) error {
		order = append(order, "b")
		return nil
	}}

	e := New(discardLogger(), a, b)
	st := NewState("GET", "/x", "", "dest", "", nil)
	e.RunOnRequest(context.Background(), st)
	e.RunOnResponse(context.Background(), st)

	require.Equal(t, []string{"b", "a"}, order)
}

func TestOnRequestPanicBecomesMiddlewareInternalError(t *testing.T) {
	a := &recordingMiddleware{name: "a", onRequest: func(ctx context.Context, st *State) (*Response, error) {
		panic("boom")
	}}

	e := New(discardLogger(), a)
	st := NewState("GET", "/x", "", "dest", "", nil)
	resp := e.RunOnRequest(context.Background(), st)

	require.NotNil(t, resp)
	require.Equal(t, 500, resp.Status)
	require.Contains(t, string(resp.Body), "panic in a.OnRequest")
}

func TestAfterResponseRunsAllInOrderAndSwallowsErrors(t *testing.T) {
	var order []string
	a := &recordingMiddleware{name: "a", afterResp: func(ctx context.Context, st *State) error {
		order = append(order, "a")
		panic("boom")
	}}
	b := &recordingMiddleware{name: "b", afterResp: func(ctx context.Context, st *State) error {
		order = append(order, "b")
		return nil
	}}

	e := New(discardLogger(), a, b)
	st := NewState("GET", "/x", "", "dest", "", nil)
	require.NotPanics(t, func() { e.RunAfterResponse(context.Background(), st) })
	require.Equal(t, []string{"a", "b"}, order)
}
