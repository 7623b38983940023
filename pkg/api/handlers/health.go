package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/carrelhq/carrel/internal/cli/health"
	"github.com/carrelhq/carrel/pkg/store"
)

// Health serves the unauthenticated probes.
//
//   - Liveness: is the server process running?
//   - Readiness: can the store answer a round trip?
//
// Probes answer plain JSON rather than the API envelope; they are consumed
// by orchestrators and the status command, not by capability clients.
type Health struct {
	store *store.Store
}

// NewHealth creates the probe handler. store may be nil, in which case
// readiness reports unavailable.
func NewHealth(st *store.Store) *Health {
	return &Health{store: st}
}

func probeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Liveness handles GET /healthz. Succeeds as long as the HTTP server is
// responsive.
func (h *Health) Liveness(w http.ResponseWriter, r *http.Request) {
	probeJSON(w, http.StatusOK, health.Liveness{
		Status:  "ok",
		Service: "carrel",
	})
}

// Readiness handles GET /readyz. Pings the store with a short deadline and
// answers 503 until it comes back healthy.
func (h *Health) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		probeJSON(w, http.StatusServiceUnavailable, health.Readiness{
			Status: "unavailable",
			Reason: "store not initialized",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		probeJSON(w, http.StatusServiceUnavailable, health.Readiness{
			Status: "unavailable",
			Reason: err.Error(),
		})
		return
	}

	probeJSON(w, http.StatusOK, health.Readiness{
		Status:  "ok",
		Latency: time.Since(start).String(),
	})
}
