package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/middleware/circuit"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

type breakerList struct {
	Timestamp time.Time          `json:"timestamp"`
	Breakers  []breaker.Snapshot `json:"breakers"`
}

// circuitBreakersHandler lists every dependency breaker created so far
func circuitBreakersHandler(registry *breaker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, breakerList{
			Timestamp: time.Now().UTC(),
			Breakers:  registry.Snapshots(),
		})
	}
}

// circuitBreakerHandler returns one breaker by dependency name
func circuitBreakerHandler(registry *breaker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		b, ok := registry.Lookup(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown dependency " + name})
			return
		}
		writeJSON(w, http.StatusOK, b.Snapshot())
	}
}

// fallbackHandler serves the local fallback target used by "forward:" URIs
func fallbackHandler(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if service == "" {
		service = circuit.DefaultDependency
	}
	pipeline.WriteResponse(w, circuit.FallbackResponse(service))
}

// stateChangeObserver logs, measures and audits every breaker transition.
// It runs under the breaker's lock and must stay non-blocking.
func stateChangeObserver(logger *slog.Logger, emitter audit.Emitter) breaker.StateChangeFunc {
	return func(name string, from, to breaker.State) {
		level := slog.LevelInfo
		if to == breaker.StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker state changed",
			"dependency", name,
			"from", from.String(),
			"to", to.String(),
		)
		metrics.RecordCircuitTransition(name, from.String(), to.String(), int(to))
		emitter.Emit(audit.CircuitBreakerEvent(name, from.String(), to.String()))
	}
}
