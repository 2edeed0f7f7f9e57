package internalapi

import "net/http"

// Mux builds the fixed internal-endpoint router: /status, /configs,
// /purge (DELETE, plus the legacy bare PURGE method at "/"). /metrics
// is served separately by the observability recorder's own handler, so
// the driver mounts it alongside this one rather than through it.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.ServeStatus)
	mux.HandleFunc("/configs", h.ServeConfigs)
	mux.HandleFunc("/purge", h.ServePurge)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "PURGE" {
			h.ServePurge(w, r)
			return
		}
		http.NotFound(w, r)
	})
	return mux
}
