package observability

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
)

// HealthServer exposes /healthz and /readyz. The process is ready once the
// gate is open and every expected connector has completed a poll cycle.
type HealthServer struct {
	mu      sync.RWMutex
	open    bool
	pending map[string]struct{}
}

// NewHealthServer creates a health server that is not ready.
func NewHealthServer() *HealthServer {
	return &HealthServer{pending: make(map[string]struct{})}
}

// Expect replaces the set of connectors that must report before the server is ready.
func (h *HealthServer) Expect(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending = make(map[string]struct{}, len(names))
	for _, n := range names {
		h.pending[n] = struct{}{}
	}
}

// MarkReady records that connector name has completed a poll cycle.
func (h *HealthServer) MarkReady(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, name)
}

// SetReady opens or closes the readiness gate.
func (h *HealthServer) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = ready
}

// Ready reports whether /readyz would answer 200.
func (h *HealthServer) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.open && len(h.pending) == 0
}

func (h *HealthServer) waitingOn() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.pending))
	for n := range h.pending {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Handler returns an http.Handler serving both endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "waiting": h.waitingOn()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
