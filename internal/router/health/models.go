package health

import (
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	"go.flowcatalyst.tech/dispatcher/internal/router/standby"
)

// InfrastructureHealth is the result of an infrastructure check
type InfrastructureHealth struct {
	Healthy bool     `json:"healthy"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// HealthStatus is the dashboard view of the whole dispatcher
type HealthStatus struct {
	Status                  string          `json:"status"`
	UpSince                 time.Time       `json:"upSince"`
	TotalJobsProcessed      int64           `json:"totalJobsProcessed"`
	TotalJobsSucceeded      int64           `json:"totalJobsSucceeded"`
	TotalJobsFailed         int64           `json:"totalJobsFailed"`
	OverallSuccessRate      float64         `json:"overallSuccessRate"`
	ActivePoolCount         int             `json:"activePoolCount"`
	TotalInFlight           int             `json:"totalInFlight"`
	TotalQueued             int             `json:"totalQueued"`
	BlockedGroups           int             `json:"blockedGroups"`
	PipelineSize            int             `json:"pipelineSize"`
	CircuitBreakersOpen     int             `json:"circuitBreakersOpen"`
	UnacknowledgedWarnings  int             `json:"unacknowledgedWarnings"`
	InfrastructureHealth    string          `json:"infrastructureHealth"`
	Issues                  []string        `json:"issues,omitempty"`
	LastInfrastructureCheck time.Time       `json:"lastInfrastructureCheck"`
	QueueType               string          `json:"queueType"`
	QueueConnected          bool            `json:"queueConnected"`
	Paused                  bool            `json:"paused"`
	Standby                 *standby.Status `json:"standby,omitempty"`
	PoolHealth              []PoolHealth    `json:"poolHealth,omitempty"`
	Breakers                []breaker.Stats `json:"breakers,omitempty"`
}

// PoolHealth is the health of a single dispatch pool
type PoolHealth struct {
	PoolCode       string     `json:"poolCode"`
	Status         string     `json:"status"`
	InFlight       int        `json:"inFlight"`
	Queued         int        `json:"queued"`
	BlockedGroups  int        `json:"blockedGroups"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}
