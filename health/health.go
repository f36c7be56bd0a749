// Package health reports whether a relay client can reach its broker and keep
// its subscriptions alive.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const maxConcurrentChecks = 8

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth represents the combined result of every check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a checker named name that runs fn
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Check implements Checker
func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

// Name implements Checker
func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	metadata map[string]any
	mu       sync.RWMutex
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]any),
	}
}

// Register adds a health checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a health checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetMetadata sets global metadata
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every registered check concurrently. A check still running when
// ctx is done is reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	checks := make(map[string]CheckResult, len(checkers))

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for name, checker := range checkers {
			name, checker := name, checker
			g.Go(func() error {
				result := checker.Check(ctx)
				mu.Lock()
				checks[name] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	overall := StatusHealthy
	results := make(map[string]CheckResult, len(checkers))
	for name := range checkers {
		result, ok := checks[name]
		if !ok {
			result = CheckResult{
				Name:      name,
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		results[name] = result

		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    results,
		Metadata:  metadata,
	}
}

// Handler provides HTTP endpoint for health checks
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler. Degraded is still 200; unhealthy is 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(health); err != nil {
		http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
	}
}
