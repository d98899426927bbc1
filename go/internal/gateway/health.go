package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// HealthStatus is the result of running every registered check
type HealthStatus struct {
	Healthy     bool            `json:"healthy"`
	Checks      map[string]bool `json:"checks"`
	Connections int             `json:"connections"`
	Errors      []string        `json:"errors"`
}

// HealthChecker reports whether the record store and transport are reachable
type HealthChecker struct {
	service *Service
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthChecker(service *Service, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		service: service,
		timeout: timeout,
		checks:  make(map[string]CheckFunc),
	}
}

// Add registers a named check, replacing any check with the same name
func (h *HealthChecker) Add(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Healthy: true,
		Checks:  make(map[string]bool, len(names)),
		Errors:  []string{},
	}
	if h.service != nil {
		status.Connections = h.service.GetStats().TotalConnections
	}

	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			status.Healthy = false
			status.Checks[name] = false
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		status.Checks[name] = true
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)
	if !status.Healthy {
		log.Warn().Strs("errors", status.Errors).Msg("health check failed")
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}
