// Package health reports whether cosyncd can serve: liveness, readiness and
// per-component status for storage and peer connectivity, over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the health of one component or of the whole node.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one component.
type Check func(ctx context.Context) CheckResult

// Component is a registered check. A failing critical component makes the
// node unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	// Timeout bounds one run. Zero means five seconds.
	Timeout time.Duration
}

// Checker runs the registered checks and keeps their last results.
type Checker struct {
	started time.Time

	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	ready      bool
}

func NewChecker() *Checker {
	return &Checker{
		started:    time.Now(),
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
	}
}

// Register adds comp, replacing a component of the same name. Its status is
// unknown until it first runs.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = 5 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady marks whether the node has finished starting.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and returns the fresh results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	out := make([]CheckResult, len(comps))
	var g errgroup.Group
	for i, comp := range comps {
		g.Go(func() error {
			out[i] = run(ctx, comp)
			return nil
		})
	}
	g.Wait()

	results := make(map[string]CheckResult, len(comps))
	c.mu.Lock()
	for i, comp := range comps {
		results[comp.Name] = out[i]
		if c.components[comp.Name] == comp {
			c.results[comp.Name] = out[i]
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check. A check that panics or overruns its timeout is
// unhealthy.
func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// GetResult returns the last result recorded for name.
func (c *Checker) GetResult(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[name]
	return res, ok
}

// OverallStatus folds the last results: a failed critical component wins,
// then an unrun critical one, then any degradation.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, res := range c.results {
		critical := c.components[name].Critical
		switch {
		case res.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case res.Status == StatusUnknown && critical:
			status = StatusUnknown
		case res.Status == StatusUnhealthy, res.Status == StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// Report is the body of /health.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and summarizes them.
func (c *Checker) Report(ctx context.Context, withComponents bool) Report {
	results := c.Check(ctx)
	if !withComponents {
		results = nil
	}
	return Report{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: results,
		Timestamp:  time.Now(),
	}
}

// Mount serves /healthz (liveness), /readyz (readiness) and /health
// (details, ?full=true lists components) on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		writeJSON(w, statusCode(status == StatusUnhealthy), map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		writeJSON(w, statusCode(rep.Status == StatusUnhealthy || rep.Status == StatusUnknown), rep)
	})
}

func statusCode(failing bool) int {
	if failing {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StorageCheck is healthy while probe, a storage round trip, succeeds.
func StorageCheck(probe func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := probe(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "storage round trip failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "storage ok"}
	}
}

// PeersCheck reports how many configured upstream peers are connected.
// Having none connected is degraded.
func PeersCheck(configured int, connected func() int) Check {
	return func(ctx context.Context) CheckResult {
		n := connected()
		details := map[string]any{"configured": configured, "connected": n}
		if configured > 0 && n == 0 {
			return CheckResult{Status: StatusDegraded, Message: "no upstream peer connected", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "peers ok", Details: details}
	}
}

// CustomCheck is unhealthy while fn fails.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "check passed"}
	}
}
