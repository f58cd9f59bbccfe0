// Package health serves liveness and readiness probes for the server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker checks one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Optional is implemented by checkers whose failure degrades the server
// without taking it out of rotation.
type Optional interface {
	Optional() bool
}

// Stats are the live room counts reported by /health.
type Stats struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

// Handler manages health check endpoints.
type Handler struct {
	version string
	stats   func() Stats

	mu       sync.RWMutex
	checkers []Checker
}

// NewHandler creates a health handler. stats may be nil.
func NewHandler(version string, stats func() Stats) *Handler {
	return &Handler{version: version, stats: stats}
}

// RegisterChecker adds a dependency checker.
func (h *Handler) RegisterChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Live    *Stats            `json:"live,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health reports that the process is up, with its version and room counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: h.version}
	if h.stats != nil {
		s := h.stats()
		resp.Live = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// Live is the liveness probe.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "live"})
}

// Ready is the readiness probe. A failing required checker answers 503
// "not_ready"; when only optional checkers fail the answer is 200 "degraded".
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checkers := make([]Checker, len(h.checkers))
	copy(checkers, h.checkers)
	h.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]string, len(checkers))
	var failed, degraded bool

	// Checks run concurrently so one slow dependency does not hide the rest.
	var g errgroup.Group
	for _, checker := range checkers {
		g.Go(func() error {
			status := "ok"
			err := checker.Check(ctx)
			if err != nil {
				status = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			results[checker.Name()] = status
			if err != nil {
				if o, ok := checker.(Optional); ok && o.Optional() {
					degraded = true
				} else {
					failed = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{Status: "ready", Checks: results}
	status := http.StatusOK
	switch {
	case failed:
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	case degraded:
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
