// Package health provides liveness and readiness checks for the ingest
// daemon.
//
// Components register a Check; critical components make the daemon
// unhealthy when they fail, others only degrade it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health of one component or of the daemon as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const defaultTimeout = 5 * time.Second

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

// Component is a named check. A failing critical component makes the
// overall status unhealthy.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker holds the registered components and their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	started    time.Time
	ready      atomic.Bool
}

func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		started:    time.Now(),
	}
}

// Register adds or replaces a component. Its status is unknown until the
// first Check.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = defaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = CheckResult{Status: StatusUnknown}
}

func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady flips readiness. The ingest server sets it once it is listening
// and clears it on shutdown.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

func (c *Checker) IsReady() bool { return c.ready.Load() }

// Check runs every component concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(comps))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, comp)
			mu.Lock()
			results[comp.Name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = res
		}
	}
	c.mu.Unlock()
	return results
}

// run executes one check under its timeout. A panicking check is reported
// unhealthy; a check that overruns is abandoned.
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

// OverallStatus folds the last results. Unknown only counts for critical
// components; a failing optional component degrades.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, res := range c.results {
		comp := c.components[name]
		switch {
		case res.Status == StatusUnhealthy && comp.Critical:
			return StatusUnhealthy
		case res.Status == StatusUnknown && comp.Critical:
			overall = StatusUnknown
		case res.Status == StatusUnhealthy, res.Status == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the body of GET /health.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs the checks when full is set and summarizes the daemon.
func (c *Checker) Report(ctx context.Context, full bool) Report {
	var comps map[string]CheckResult
	if full {
		comps = c.Check(ctx)
	}
	return Report{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: comps,
		Timestamp:  time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process is up.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) or while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now().UTC()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now().UTC()})
	})
}

// HealthHandler serves the Report; ?full=true includes per-component results.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
}

// PingCheck wraps a connectivity probe such as store.Ping.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "ping ok"}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "disk space unavailable", Error: err.Error()}
		}
		res := CheckResult{
			Status:  StatusHealthy,
			Message: "disk space ok",
			Details: map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree},
		}
		if free < minFree {
			res.Status, res.Message = StatusDegraded, "low disk space"
		}
		return res
	}
}

// MemoryCheck degrades when the Go heap exceeds maxHeap bytes. Zero
// disables the limit.
func MemoryCheck(maxHeap uint64) Check {
	return func(ctx context.Context) CheckResult {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		res := CheckResult{
			Status:  StatusHealthy,
			Message: "memory ok",
			Details: map[string]any{
				"heap_alloc":     ms.HeapAlloc,
				"max_heap_bytes": maxHeap,
				"goroutines":     runtime.NumGoroutine(),
			},
		}
		if maxHeap > 0 && ms.HeapAlloc > maxHeap {
			res.Status, res.Message = StatusDegraded, "heap above limit"
		}
		return res
	}
}
