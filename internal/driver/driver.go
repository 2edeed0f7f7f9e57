// Package driver implements the pipeline driver (spec.md §4.12, C12):
// classify each inbound request as proxied or internal, run the
// cacheware middleware chain for proxied requests, emit the response,
// and fire after_response hooks once the client connection is
// released. Grounded on the dispatch-then-delegate shape of
// internal/runtime/runtime.go's top-level request handler, adapted
// from endpoint-scoped routing to the SmartStack-header classification
// spec.md §4.12 describes.
package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yelp/casper/internal/cacheware"
	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/internalapi"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/pipeline"
)

const (
	sourceHeader      = "X-Smartstack-Source"
	destinationHeader = "X-Smartstack-Destination"
)

// Registry is the subset of *config.Registry the driver needs to
// annotate a request's State.
type Registry interface {
	Global() config.GlobalConfig
	Destination(name string) (*config.ServiceConfig, bool)
}

// Driver wires the middleware chain, the internal endpoints, and the
// observability sinks into a single http.Handler.
type Driver struct {
	registry  Registry
	engine    *pipeline.Engine
	internal  *internalapi.Handler
	metrics   http.Handler
	recorder  *observability.Recorder
	syslog    *observability.SyslogSink
	relay     *observability.Relay
	logger    *slog.Logger
	afterMax  time.Duration
}

// New constructs the driver. syslog/relay may be nil when the
// corresponding UDP sinks are not configured (spec.md §6 treats them
// as optional, fire-and-forget telemetry).
func New(registry Registry, engine *pipeline.Engine, internalHandler *internalapi.Handler, metrics http.Handler, recorder *observability.Recorder, syslogSink *observability.SyslogSink, relay *observability.Relay, logger *slog.Logger, afterResponseMax time.Duration) *Driver {
	if afterResponseMax <= 0 {
		afterResponseMax = 5 * time.Second
	}
	return &Driver{
		registry: registry,
		engine:   engine,
		internal: internalHandler,
		metrics:  metrics,
		recorder: recorder,
		syslog:   syslogSink,
		relay:    relay,
		logger:   logger,
		afterMax: afterResponseMax,
	}
}

// ServeHTTP classifies the request per spec.md §4.12 and dispatches to
// either the proxied pipeline or an internal endpoint.
func (d *Driver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		d.metrics.ServeHTTP(w, r)
		return
	}

	sources := r.Header.Values(sourceHeader)
	destinations := r.Header.Values(destinationHeader)

	if len(sources) > 1 || len(destinations) > 1 {
		writeDiagnostic(w, sourceHeader, sources, destinationHeader, destinations)
		return
	}
	if len(sources) == 1 && len(destinations) == 1 {
		d.serveProxied(w, r, sources[0], destinations[0])
		return
	}

	d.internal.Mux().ServeHTTP(w, r)
}

func writeDiagnostic(w http.ResponseWriter, sourceName string, sources []string, destName string, destinations []string) {
	var b strings.Builder
	if len(sources) > 1 {
		fmt.Fprintf(&b, "%s has multiple values: %s; ", sourceName, strings.Join(sources, " "))
	}
	if len(destinations) > 1 {
		fmt.Fprintf(&b, "%s has multiple values: %s; ", destName, strings.Join(destinations, " "))
	}
	http.Error(w, strings.TrimSpace(b.String()), http.StatusBadRequest)
}

func (d *Driver) serveProxied(w http.ResponseWriter, r *http.Request, source, destination string) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	st := pipeline.NewState(r.Method, r.URL.RequestURI(), r.RemoteAddr, destination, source, r.Header.Clone())
	st.Body = body
	st.Trace = observability.ExtractTrace(r.Header)

	global := d.registry.Global()
	st.Global = &global
	if svc, ok := d.registry.Destination(destination); ok {
		st.ServiceConfig = svc
	}

	ctx := r.Context()
	sync := r.Header.Get(cacheware.SyncHeader) != ""

	resp := d.engine.RunOnRequest(ctx, st)
	if resp == nil {
		// No middleware produced a response: this only happens if the
		// chain is misconfigured (Passthrough always handles the
		// fallthrough case), so treat it as an internal error.
		resp = &pipeline.Response{Status: http.StatusInternalServerError, Body: []byte("no middleware produced a response")}
		st.Response = resp
	}
	d.engine.RunOnResponse(ctx, st)
	st.EndTime = time.Now()

	if sync {
		d.runAfterResponse(ctx, st)
	}

	d.writeResponse(w, st)
	d.observe(st)

	if !sync {
		go func() {
			afterCtx, cancel := context.WithTimeout(context.Background(), d.afterMax)
			defer cancel()
			d.runAfterResponse(afterCtx, st)
		}()
	}
}

func (d *Driver) runAfterResponse(ctx context.Context, st *pipeline.State) {
	d.engine.RunAfterResponse(ctx, st)
}

func (d *Driver) writeResponse(w http.ResponseWriter, st *pipeline.State) {
	resp := st.Response
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Spectre-Cache-Status", st.CacheStatus)
	st.Trace.ZipkinIDHeader(w.Header())
	if resp.IsProxied {
		w.Header().Set("X-Original-Status", fmt.Sprintf("%d", resp.Status))
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (d *Driver) observe(st *pipeline.State) {
	duration := st.EndTime.Sub(st.StartTime)
	cacheName := st.Cacheability.CacheName
	d.recorder.ObserveRequest(st.Destination, cacheName, st.CacheStatus, st.Response.Status, duration)

	if d.relay != nil {
		if err := d.relay.Timing("request_time", duration, [2]string{"destination", st.Destination}, [2]string{"cache_name", orAll(cacheName)}); err != nil {
			d.logger.Debug("metrics relay write failed", "error", err)
		}
	}
	if d.syslog != nil && st.Trace.Present() {
		err := d.syslog.Emit(observability.Span{
			TraceID:     st.Trace.TraceID,
			SpanID:      st.Trace.SpanID,
			ParentID:    st.Trace.ParentID,
			Flags:       st.Trace.Flags,
			Sampled:     st.Trace.Sampled,
			Start:       st.StartTime,
			End:         st.EndTime,
			ClientIP:    st.RemoteAddr,
			CacheStatus: st.CacheStatus,
			Method:      st.Method,
			URI:         st.URI,
		})
		if err != nil {
			d.logger.Debug("syslog write failed", "error", err)
		}
	}
}

func orAll(s string) string {
	if s == "" {
		return "__ALL__"
	}
	return s
}
