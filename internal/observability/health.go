package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness is true once every tracked component has reported ready.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]bool
	startTime  time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]bool),
		startTime:  time.Now(),
	}
}

// Track registers a component that must become ready.
func (h *HealthChecker) Track(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.components[name]; !ok {
		h.components[name] = false
	}
}

// SetReady marks a component ready or not ready, tracking it if needed.
func (h *HealthChecker) SetReady(name string, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ready
}

// IsReady reports whether at least one component was tracked and none is pending.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.components) == 0 {
		return false
	}
	for _, ready := range h.components {
		if !ready {
			return false
		}
	}
	return true
}

// Pending returns the components not yet ready, sorted.
func (h *HealthChecker) Pending() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, ready := range h.components {
		if !ready {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Components returns a copy of the readiness of every tracked component.
func (h *HealthChecker) Components() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.components))
	for name, ready := range h.components {
		out[name] = ready
	}
	return out
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once every consumer is live, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "not_ready",
		"pending": h.Pending(),
	})
}
