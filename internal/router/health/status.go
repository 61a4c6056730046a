package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	"go.flowcatalyst.tech/dispatcher/internal/router/standby"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

const (
	StatusHealthy   = "HEALTHY"
	StatusDegraded  = "DEGRADED"
	StatusUnhealthy = "UNHEALTHY"
)

// EngineStatusProvider is the dispatch manager as seen by the dashboard
type EngineStatusProvider interface {
	PoolStatsProvider
	PipelineSize() int
	Paused() bool
}

// BreakerStatsProvider provides circuit breaker statistics
type BreakerStatsProvider interface {
	AllStats() []breaker.Stats
}

// WarningProvider lists warnings
type WarningProvider interface {
	List(filter warning.Filter) []warning.Warning
}

// StandbyStatusProvider reports the leader election state
type StandbyStatusProvider interface {
	Status() standby.Status
}

// QueueProbe identifies and pings the queue backend
type QueueProbe struct {
	Type string
	Ping func(ctx context.Context) error
}

// HealthStatusService aggregates the dashboard health view
type HealthStatusService struct {
	mu sync.RWMutex

	startTime time.Time
	infra     *InfrastructureHealthService
	engine    EngineStatusProvider
	queue     QueueProbe
	breakers  BreakerStatsProvider
	warnings  WarningProvider
	standby   StandbyStatusProvider
}

// NewHealthStatusService creates a new health status service
func NewHealthStatusService(engine EngineStatusProvider, queue QueueProbe) *HealthStatusService {
	return &HealthStatusService{
		startTime: time.Now(),
		infra:     NewInfrastructureHealthService(engine),
		engine:    engine,
		queue:     queue,
	}
}

// SetBreakerProvider sets the circuit breaker stats provider
func (s *HealthStatusService) SetBreakerProvider(p BreakerStatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = p
}

// SetWarningProvider sets the warning provider
func (s *HealthStatusService) SetWarningProvider(p WarningProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = p
}

// SetStandbyProvider sets the standby status provider
func (s *HealthStatusService) SetStandbyProvider(p StandbyStatusProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standby = p
}

// Infrastructure returns the infrastructure check used for readiness
func (s *HealthStatusService) Infrastructure() *InfrastructureHealthService {
	return s.infra
}

// HealthStatus returns the aggregated health status
func (s *HealthStatusService) HealthStatus(ctx context.Context) *HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &HealthStatus{
		UpSince:   s.startTime,
		QueueType: s.queue.Type,
	}

	infra := s.infra.CheckHealth()
	status.InfrastructureHealth = StatusUnhealthy
	if infra.Healthy {
		status.InfrastructureHealth = StatusHealthy
	}
	status.Issues = infra.Issues
	status.LastInfrastructureCheck = s.infra.LastHealthCheck()

	if s.queue.Ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		status.QueueConnected = s.queue.Ping(pingCtx) == nil
		cancel()
	}

	if s.engine != nil {
		status.PipelineSize = s.engine.PipelineSize()
		status.Paused = s.engine.Paused()
		s.addPools(status)
	}

	if s.breakers != nil {
		status.Breakers = s.breakers.AllStats()
		for _, b := range status.Breakers {
			if b.State == breaker.StateOpen {
				status.CircuitBreakersOpen++
			}
		}
	}

	if s.warnings != nil {
		status.UnacknowledgedWarnings = len(s.warnings.List(warning.Filter{Unacknowledged: true}))
	}

	if s.standby != nil {
		st := s.standby.Status()
		status.Standby = &st
	}

	switch {
	case !infra.Healthy || !status.QueueConnected:
		status.Status = StatusUnhealthy
	case status.CircuitBreakersOpen > 0 || status.BlockedGroups > 0:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}
	return status
}

func (s *HealthStatusService) addPools(status *HealthStatus) {
	stats := s.engine.PoolStats()
	status.ActivePoolCount = len(stats)

	now := time.Now()
	for code, st := range stats {
		status.TotalJobsProcessed += st.TotalProcessed
		status.TotalJobsSucceeded += st.TotalSucceeded
		status.TotalJobsFailed += st.TotalRetryable + st.TotalPermanent
		status.TotalInFlight += st.InFlight
		status.TotalQueued += st.Queued
		status.BlockedGroups += st.BlockedGroups

		ph := PoolHealth{
			PoolCode:       code,
			Status:         StatusHealthy,
			InFlight:       st.InFlight,
			Queued:         st.Queued,
			BlockedGroups:  st.BlockedGroups,
			LastActivityAt: st.LastActivity,
		}
		busy := st.Queued > 0 || st.InFlight > 0
		if busy && st.LastActivity != nil && now.Sub(*st.LastActivity) > ActivityTimeout {
			ph.Status = "STALLED"
		} else if st.BlockedGroups > 0 {
			ph.Status = StatusDegraded
		}
		status.PoolHealth = append(status.PoolHealth, ph)
	}
	sort.Slice(status.PoolHealth, func(i, j int) bool {
		return status.PoolHealth[i].PoolCode < status.PoolHealth[j].PoolCode
	})

	if status.TotalJobsProcessed > 0 {
		status.OverallSuccessRate = float64(status.TotalJobsSucceeded) / float64(status.TotalJobsProcessed)
	}
}

// Uptime returns the uptime duration
func (s *HealthStatusService) Uptime() time.Duration {
	return time.Since(s.startTime)
}
