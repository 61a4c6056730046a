// Package health serves liveness and readiness probes built from
// component checks
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// DefaultCheckTimeout bounds a single probe of an external dependency
const DefaultCheckTimeout = 3 * time.Second

// Check represents a single health check
type Check struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// Response is the body of every health endpoint
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc performs a health check
type CheckFunc func(ctx context.Context) Check

// Checker holds the liveness and readiness checks of the process
type Checker struct {
	mu              sync.RWMutex
	livenessChecks  []CheckFunc
	readinessChecks []CheckFunc
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck adds a liveness check
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livenessChecks = append(c.livenessChecks, check)
}

// AddReadinessCheck adds a readiness check
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks = append(c.readinessChecks, check)
}

func runChecks(ctx context.Context, checks []CheckFunc) Response {
	resp := Response{
		Status: StatusUp,
		Checks: make([]Check, 0, len(checks)),
	}
	for _, fn := range checks {
		check := fn(ctx)
		resp.Checks = append(resp.Checks, check)
		if check.Status == StatusDown {
			resp.Status = StatusDown
		}
	}
	return resp
}

func (c *Checker) snapshot(live, ready bool) []CheckFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CheckFunc
	if live {
		out = append(out, c.livenessChecks...)
	}
	if ready {
		out = append(out, c.readinessChecks...)
	}
	return out
}

// Liveness runs the liveness checks
func (c *Checker) Liveness(ctx context.Context) Response {
	return runChecks(ctx, c.snapshot(true, false))
}

// Readiness runs the readiness checks
func (c *Checker) Readiness(ctx context.Context) Response {
	return runChecks(ctx, c.snapshot(false, true))
}

// Health runs every check
func (c *Checker) Health(ctx context.Context) Response {
	return runChecks(ctx, c.snapshot(true, true))
}

// HandleHealth handles the /q/health endpoint
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.Health(r.Context()))
}

// HandleLive handles the /q/health/live endpoint
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.Liveness(r.Context()))
}

// HandleReady handles the /q/health/ready endpoint
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.Readiness(r.Context()))
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// PingCheck reports DOWN when ping fails within DefaultCheckTimeout
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
		defer cancel()
		return fromError(name, ping(ctx))
	}
}

// MongoDBCheck creates a health check for MongoDB
func MongoDBCheck(ping func(ctx context.Context) error) CheckFunc {
	return PingCheck("MongoDB", ping)
}

// RedisCheck creates a health check for the leader lock store
func RedisCheck(ping func(ctx context.Context) error) CheckFunc {
	return PingCheck("Redis", ping)
}

// QueueCheck creates a health check for the queue backend
func QueueCheck(queueType string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := PingCheck("Queue", ping)(ctx)
		if check.Data == nil {
			check.Data = map[string]any{}
		}
		check.Data["type"] = queueType
		return check
	}
}

// ServiceCheck adapts a component's Health method
func ServiceCheck(name string, health func() error) CheckFunc {
	return func(context.Context) Check {
		return fromError(name, health())
	}
}

func fromError(name string, err error) Check {
	if err != nil {
		return Check{
			Name:   name,
			Status: StatusDown,
			Data:   map[string]any{"error": err.Error()},
		}
	}
	return Check{Name: name, Status: StatusUp}
}
