// Package health derives dispatcher-level health from pool activity and
// aggregates the dashboard status
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	commonhealth "go.flowcatalyst.tech/dispatcher/internal/common/health"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
)

// ActivityTimeout is how long a pool with pending work may go without
// finishing a dispatch before it counts as stalled
const ActivityTimeout = 2 * time.Minute

// PoolStatsProvider provides live pool statistics
type PoolStatsProvider interface {
	PoolStats() map[string]pool.Stats
}

// InfrastructureHealthService reports the dispatcher unhealthy only when
// the dispatcher itself is compromised, not when targets are failing.
type InfrastructureHealthService struct {
	mu sync.RWMutex

	pools           PoolStatsProvider
	now             func() time.Time
	lastHealthCheck time.Time
	cachedHealth    *InfrastructureHealth
}

// NewInfrastructureHealthService creates a new infrastructure health service
func NewInfrastructureHealthService(pools PoolStatsProvider) *InfrastructureHealthService {
	return &InfrastructureHealthService{pools: pools, now: time.Now}
}

// CheckHealth checks whether pools exist and are making progress
func (s *InfrastructureHealthService) CheckHealth() *InfrastructureHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastHealthCheck = s.now()

	var issues []string
	if s.pools == nil {
		issues = append(issues, "Dispatch manager not initialized")
	} else {
		stats := s.pools.PoolStats()
		if len(stats) == 0 {
			issues = append(issues, "No active dispatch pools")
		}
		busy, stalled := s.stalledPools(stats)
		if busy > 0 && len(stalled) == busy {
			// Only fail if every pool with pending work is stuck
			issues = append(issues, "All busy dispatch pools appear stalled")
		}
	}

	health := &InfrastructureHealth{
		Healthy: len(issues) == 0,
		Message: "Infrastructure is operational",
		Issues:  issues,
	}
	if !health.Healthy {
		health.Message = "Infrastructure issues detected"
	}
	s.cachedHealth = health
	return health
}

// stalledPools returns the number of pools with pending work and the codes of
// those whose last finished dispatch is older than ActivityTimeout. A pool
// that has never finished a dispatch is not stalled.
func (s *InfrastructureHealthService) stalledPools(stats map[string]pool.Stats) (busy int, stalled []string) {
	now := s.now()
	for code, st := range stats {
		if st.Queued == 0 && st.InFlight == 0 {
			continue
		}
		busy++
		if st.LastActivity == nil {
			continue
		}
		if idle := now.Sub(*st.LastActivity); idle > ActivityTimeout {
			stalled = append(stalled, code)
			slog.Warn("Pool has not finished a dispatch recently",
				"pool", code,
				"secondsSinceActivity", int64(idle.Seconds()),
				"queued", st.Queued)
		}
	}
	return busy, stalled
}

// Check adapts CheckHealth for the readiness probe
func (s *InfrastructureHealthService) Check(context.Context) commonhealth.Check {
	h := s.CheckHealth()
	check := commonhealth.Check{Name: "Dispatcher", Status: commonhealth.StatusUp}
	if !h.Healthy {
		check.Status = commonhealth.StatusDown
		check.Data = map[string]any{"issues": h.Issues}
	}
	return check
}

// LastHealthCheck returns the time of the last health check
func (s *InfrastructureHealthService) LastHealthCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHealthCheck
}

// CachedHealth returns the last health check result
func (s *InfrastructureHealthService) CachedHealth() *InfrastructureHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedHealth
}
