package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
	"go.flowcatalyst.tech/dispatcher/internal/router/standby"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

type mockEngine struct {
	stats    map[string]pool.Stats
	pipeline int
	paused   bool
}

func (m *mockEngine) PoolStats() map[string]pool.Stats { return m.stats }
func (m *mockEngine) PipelineSize() int { return m.pipeline }
func (m *mockEngine) Paused() bool { return m.paused }

type mockBreakers []breaker.Stats

func (m mockBreakers) AllStats() []breaker.Stats { return m }

type mockStandby standby.Status

func (m mockStandby) Status() standby.Status { return standby.Status(m) }

func ago(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func okPing(context.Context) error { return nil }

func TestInfrastructureHealth_NilProvider(t *testing.T) {
	svc := NewInfrastructureHealthService(nil)
	h := svc.CheckHealth()
	if h.Healthy {
		t.Error("expected unhealthy without a manager")
	}
}

func TestInfrastructureHealth_NoPools(t *testing.T) {
	svc := NewInfrastructureHealthService(&mockEngine{stats: map[string]pool.Stats{}})
	h := svc.CheckHealth()
	if h.Healthy {
		t.Error("expected unhealthy with no pools")
	}
	if len(h.Issues) != 1 {
		t.Errorf("expected one issue, got %v", h.Issues)
	}
}

func TestInfrastructureHealth_IdlePoolsAreHealthy(t *testing.T) {
	svc := NewInfrastructureHealthService(&mockEngine{stats: map[string]pool.Stats{
		"DEFAULT-POOL": {PoolCode: "DEFAULT-POOL", LastActivity: ago(time.Hour)},
		"orders":       {PoolCode: "orders"},
	}})
	h := svc.CheckHealth()
	if !h.Healthy {
		t.Errorf("idle pools should be healthy: %v", h.Issues)
	}
}

func TestInfrastructureHealth_AllBusyPoolsStalled(t *testing.T) {
	svc := NewInfrastructureHealthService(&mockEngine{stats: map[string]pool.Stats{
		"a": {PoolCode: "a", Queued: 5, LastActivity: ago(5 * time.Minute)},
		"b": {PoolCode: "b", InFlight: 1, LastActivity: ago(3 * time.Minute)},
		"c": {PoolCode: "c"},
	}})
	h := svc.CheckHealth()
	if h.Healthy {
		t.Error("expected unhealthy when every busy pool is stalled")
	}
	if svc.CachedHealth() != h {
		t.Error("cached health should be the last result")
	}
	if svc.LastHealthCheck().IsZero() {
		t.Error("last health check should be recorded")
	}
}

func TestInfrastructureHealth_SomeBusyPoolsActive(t *testing.T) {
	svc := NewInfrastructureHealthService(&mockEngine{stats: map[string]pool.Stats{
		"a": {PoolCode: "a", Queued: 5, LastActivity: ago(5 * time.Minute)},
		"b": {PoolCode: "b", Queued: 2, LastActivity: ago(time.Second)},
	}})
	if h := svc.CheckHealth(); !h.Healthy {
		t.Errorf("one active pool keeps infrastructure healthy: %v", h.Issues)
	}
}

func TestInfrastructureHealth_ReadinessCheck(t *testing.T) {
	svc := NewInfrastructureHealthService(&mockEngine{stats: map[string]pool.Stats{}})
	check := svc.Check(context.Background())
	if check.Status != "DOWN" {
		t.Errorf("expected DOWN, got %s", check.Status)
	}
}

func TestHealthStatus_Aggregates(t *testing.T) {
	engine := &mockEngine{
		pipeline: 7,
		stats: map[string]pool.Stats{
			"orders": {
				PoolCode: "orders", InFlight: 2, Queued: 3, BlockedGroups: 1,
				TotalProcessed: 10, TotalSucceeded: 8, TotalRetryable: 1, TotalPermanent: 1,
				LastActivity: ago(time.Second),
			},
			"DEFAULT-POOL": {PoolCode: "DEFAULT-POOL", TotalProcessed: 10, TotalSucceeded: 10},
		},
	}
	warnings := warning.NewInMemoryService(10)
	warnings.AddWarning(warning.CategoryGroupBlocked, warning.SeverityWarning, "blocked", "test")

	svc := NewHealthStatusService(engine, QueueProbe{Type: "memory", Ping: okPing})
	svc.SetBreakerProvider(mockBreakers{{Name: "a", State: breaker.StateOpen}, {Name: "b", State: breaker.StateClosed}})
	svc.SetWarningProvider(warnings)
	svc.SetStandbyProvider(mockStandby{Enabled: true, Role: standby.RolePrimary})

	st := svc.HealthStatus(context.Background())

	if st.Status != StatusDegraded {
		t.Errorf("expected DEGRADED, got %s", st.Status)
	}
	if st.ActivePoolCount != 2 || st.TotalInFlight != 2 || st.TotalQueued != 3 {
		t.Errorf("unexpected pool totals %+v", st)
	}
	if st.TotalJobsProcessed != 20 || st.TotalJobsFailed != 2 {
		t.Errorf("unexpected job totals processed=%d failed=%d", st.TotalJobsProcessed, st.TotalJobsFailed)
	}
	if st.OverallSuccessRate != 0.9 {
		t.Errorf("expected success rate 0.9, got %v", st.OverallSuccessRate)
	}
	if st.CircuitBreakersOpen != 1 || st.UnacknowledgedWarnings != 1 || st.PipelineSize != 7 {
		t.Errorf("unexpected counters %+v", st)
	}
	if st.Standby == nil || st.Standby.Role != standby.RolePrimary {
		t.Errorf("expected standby status, got %+v", st.Standby)
	}
	if len(st.PoolHealth) != 2 || st.PoolHealth[0].PoolCode != "DEFAULT-POOL" {
		t.Fatalf("pool health should be sorted by code: %+v", st.PoolHealth)
	}
	if st.PoolHealth[1].Status != StatusDegraded {
		t.Errorf("pool with blocked group should be DEGRADED, got %s", st.PoolHealth[1].Status)
	}
}

func TestHealthStatus_QueueDownIsUnhealthy(t *testing.T) {
	engine := &mockEngine{stats: map[string]pool.Stats{"DEFAULT-POOL": {PoolCode: "DEFAULT-POOL"}}}
	svc := NewHealthStatusService(engine, QueueProbe{
		Type: "nats",
		Ping: func(context.Context) error { return errors.New("disconnected") },
	})

	st := svc.HealthStatus(context.Background())
	if st.Status != StatusUnhealthy {
		t.Errorf("expected UNHEALTHY, got %s", st.Status)
	}
	if st.QueueConnected {
		t.Error("queue should be reported disconnected")
	}
	if st.QueueType != "nats" {
		t.Errorf("expected queue type nats, got %s", st.QueueType)
	}
}
