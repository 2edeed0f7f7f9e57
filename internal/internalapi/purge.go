package internalapi

import (
	"fmt"
	"net/http"

	"github.com/yelp/casper/internal/keys"
)

// ServePurge answers DELETE /purge?namespace=...&cache_name=...&id=...
// and the legacy PURGE / method (spec §4.10). It 400s when namespace or
// cache_name is missing or unknown, otherwise deletes by the narrowest
// surrogate key.
func (h *Handler) ServePurge(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	cacheName := r.URL.Query().Get("cache_name")
	id := r.URL.Query().Get("id")

	if namespace == "" || cacheName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "namespace and cache_name are required"})
		return
	}

	svc, ok := h.registry.Destination(namespace)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown namespace %q", namespace)})
		return
	}
	if !hasCacheEntry(svc.EntryNames(), cacheName) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown cache_name %q for namespace %q", cacheName, namespace)})
		return
	}

	surrogate := keys.SurrogateForPurge(namespace, cacheName, id)
	removed, err := h.store.DeleteBySurrogates(r.Context(), []string{surrogate})
	if err != nil {
		h.logger.Error("purge failed", "namespace", namespace, "cache_name", cacheName, "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func hasCacheEntry(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}
