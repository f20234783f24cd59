// Package health aggregates component probes for long-running commands.
// A Checker runs registered probes in parallel, folds their results into
// one overall status, and serves the usual liveness, readiness, and
// detail endpoints next to the metrics handler.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Status classifies a probe result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one probe run.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one component. It must honor ctx and return promptly.
type Check func(ctx context.Context) CheckResult

// Component is a named probe. A critical component failing makes the
// whole checker unhealthy; a non-critical failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    Check
}

const defaultTimeout = 5 * time.Second

// Checker holds the registered components and their latest results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startedAt  time.Time
	ready      bool
}

func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startedAt:  time.Now(),
	}
}

// Register adds a component. Until its first run the component reports
// StatusUnknown.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout <= 0 {
		component.Timeout = defaultTimeout
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a probe with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady flips the readiness gate. Readiness starts false so probes
// hitting a half-started process get 503 rather than a false positive.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every registered probe in parallel, stores the results,
// and returns them keyed by component name.
func (c *Checker) Run(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg sync.WaitGroup
		rm sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := c.runOne(ctx, comp)
			rm.Lock()
			results[comp.Name] = result
			rm.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, result := range results {
		c.results[name] = result
	}
	c.mu.Unlock()
	return results
}

// runOne executes a single probe under its timeout. A probe that
// panics or outlives its deadline counts as unhealthy, never as a
// crash of the checker.
func (c *Checker) runOne(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "probe panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "probe timed out",
			Error:   checkCtx.Err().Error(),
		}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// Results returns a copy of the latest stored results.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]CheckResult, len(c.results))
	for name, result := range c.results {
		out[name] = result
	}
	return out
}

// Overall folds the stored results into one status. Critical failures
// dominate, non-critical failures and degradations degrade, and a
// critical component that never ran keeps the status unknown.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown := false
	degraded := false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.Critical {
				unknown = true
			}
		}
	}
	if unknown {
		return StatusUnknown
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Summary is the payload of the detail endpoint.
type Summary struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Summary reports the aggregated state. With fresh set, every probe
// runs first; otherwise stored results are used as-is.
func (c *Checker) Summary(ctx context.Context, fresh bool) Summary {
	var components map[string]CheckResult
	if fresh {
		components = c.Run(ctx)
	} else {
		components = c.Results()
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startedAt)
	c.mu.RUnlock()

	return Summary{
		Status:     c.Overall(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Millisecond).String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

// LivenessHandler answers 200 whenever the process can serve HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "alive",
			"timestamp": time.Now().UTC(),
		})
	})
}

// ReadinessHandler answers 503 until SetReady(true), and again if the
// overall status has gone unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !c.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "not ready"})
			return
		}

		status := c.Overall()
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "ready": true})
	})
}

// Handler serves the full summary. "?full=true" re-runs every probe;
// the default answers from stored results so probes stay cheap to poll.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		summary := c.Summary(r.Context(), r.URL.Query().Get("full") == "true")
		switch summary.Status {
		case StatusUnhealthy, StatusUnknown:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(summary)
	})
}

// FuncCheck adapts an error-returning probe.
func FuncCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "probe failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "ok"}
	}
}

// DirCheck probes that a directory exists. A missing watched workspace
// degrades capture rather than killing it, so callers usually register
// this one as non-critical.
func DirCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "directory missing",
				Details: map[string]any{"path": path},
				Error:   err.Error(),
			}
		}
		if !info.IsDir() {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "not a directory",
				Details: map[string]any{"path": path},
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "ok", Details: map[string]any{"path": path}}
	}
}

// WritableCheck probes that new files can land in dir, which is what a
// capture loop actually needs from the object store.
func WritableCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		f, err := os.CreateTemp(dir, ".healthcheck-*")
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "directory not writable",
				Details: map[string]any{"dir": dir},
				Error:   err.Error(),
			}
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return CheckResult{Status: StatusHealthy, Message: "ok", Details: map[string]any{"dir": dir}}
	}
}
