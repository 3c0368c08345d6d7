package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state for /healthz and /readyz.
// Readiness is the conjunction of named dependencies (postgres, nats, restore)
// plus an overall switch flipped by the service once startup completes.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu        sync.RWMutex
	deps      map[string]bool
	listeners []func(ready bool)
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		deps:      make(map[string]bool),
	}
}

// OnChange registers fn to be called with the readiness value whenever it changes.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
	fn(h.IsReady())
}

// SetDependency records the state of one named dependency.
func (h *HealthChecker) SetDependency(name string, up bool) {
	h.mu.Lock()
	h.deps[name] = up
	h.mu.Unlock()
	h.notify()
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	h.notify()
}

// IsReady returns whether the service and every dependency are up.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, up := range h.deps {
		if !up {
			return false
		}
	}
	return true
}

func (h *HealthChecker) notify() {
	ready := h.IsReady()
	h.mu.RLock()
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(ready)
	}
}

func (h *HealthChecker) dependencies() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, name := range names {
		if h.deps[name] {
			out[name] = "up"
		} else {
			out[name] = "down"
		}
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

// ReadinessHandler returns HTTP 200 once every dependency is up, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status, code := "ready", http.StatusOK
	if !h.IsReady() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"dependencies": h.dependencies(),
	})
}
