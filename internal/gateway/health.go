package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Health serves the liveness and readiness probes
type Health struct {
	isReady atomic.Bool
}

// NewHealth creates a health check that starts not ready
func NewHealth() *Health {
	return &Health{}
}

// HealthHandler reports liveness. It never depends on backends.
func (h *Health) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyHandler reports whether the gateway accepts traffic
func (h *Health) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// SetReady marks the service as ready to receive traffic
func (h *Health) SetReady(ready bool) {
	h.isReady.Store(ready)
}

// Ready reports the current readiness
func (h *Health) Ready() bool {
	return h.isReady.Load()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
