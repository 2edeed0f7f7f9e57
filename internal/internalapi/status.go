// Package internalapi implements the process-internal HTTP endpoints
// (spec §4.10, C10): /status, /configs, /purge, /metrics. These sit
// beside the proxied request path and are routed to directly by the
// driver rather than passing through the cacheware middleware chain.
package internalapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/storage"
)

// Registry is the subset of *config.Registry the internal endpoints need.
type Registry interface {
	Global() config.GlobalConfig
	Destination(name string) (*config.ServiceConfig, bool)
	Destinations() []string
	SmartStack(destination string) (config.SmartStackEntry, bool)
	ModTimes() map[string]time.Time
	Skipped() []config.DefinitionSkip
	LoadedAt() time.Time
}

// Handler serves the internal endpoints. WorkerID identifies this
// process among its siblings in /status and /configs output (spec
// §4.10; workers are otherwise indistinguishable cooperative processes
// per §5).
type Handler struct {
	registry Registry
	store    storage.Store
	logger   *slog.Logger
	workerID string
}

// New constructs the internal-endpoint handler.
func New(registry Registry, store storage.Store, logger *slog.Logger, workerID string) *Handler {
	return &Handler{registry: registry, store: store, logger: logger, workerID: workerID}
}

// ServeStatus answers GET /status?check_backend=true: backend health,
// whether service configs are loaded, and which destinations lack a
// SmartStack entry. It returns 500 if any required artifact is missing
// (spec §4.10).
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	configsLoaded := len(h.registry.Destinations()) > 0

	var missingSmartStack []string
	for _, dest := range h.registry.Destinations() {
		if _, ok := h.registry.SmartStack(dest); !ok {
			missingSmartStack = append(missingSmartStack, dest)
		}
	}
	sort.Strings(missingSmartStack)

	backendHealthy := true
	var backendErr string
	if r.URL.Query().Get("check_backend") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := h.store.Size(ctx); err != nil {
			backendHealthy = false
			backendErr = err.Error()
		}
	}

	payload := map[string]any{
		"status":              "ok",
		"workerId":            h.workerID,
		"observedAt":          time.Now().UTC(),
		"configsLoaded":       configsLoaded,
		"backendHealthy":      backendHealthy,
		"missingSmartStack":   missingSmartStack,
		"destinationCount":    len(h.registry.Destinations()),
	}
	if backendErr != "" {
		payload["backendError"] = backendErr
	}

	status := http.StatusOK
	if !configsLoaded || !backendHealthy {
		status = http.StatusInternalServerError
		payload["status"] = "unhealthy"
	}

	writeJSON(w, status, payload)
}

// ServeConfigs answers GET /configs: a dump of loaded configs plus the
// modification-time table and worker id (spec §4.10).
func (h *Handler) ServeConfigs(w http.ResponseWriter, r *http.Request) {
	destinations := h.registry.Destinations()
	sort.Strings(destinations)

	entries := make(map[string][]string, len(destinations))
	for _, dest := range destinations {
		svc, ok := h.registry.Destination(dest)
		if !ok {
			continue
		}
		entries[dest] = svc.EntryNames()
	}

	payload := map[string]any{
		"workerId":     h.workerID,
		"loadedAt":     h.registry.LoadedAt().UTC(),
		"global":       h.registry.Global(),
		"destinations": entries,
		"modTimes":     h.registry.ModTimes(),
	}
	if skipped := h.registry.Skipped(); len(skipped) > 0 {
		payload["skippedDefinitions"] = skipped
	}

	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
