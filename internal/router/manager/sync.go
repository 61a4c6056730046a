package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

const (
	syncTimeout       = 30 * time.Second
	drainPollInterval = 100 * time.Millisecond
)

// invalidator is implemented by registries that cache lookups
type invalidator interface {
	Invalidate()
}

func (m *Manager) syncLoop(ctx context.Context) {
	if m.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Paused() {
				continue
			}
			if err := m.SyncPools(ctx); err != nil {
				slog.Error("Pool config sync failed", "error", err)
			}
		}
	}
}

// LastSync returns when pools were last reconciled with the registry
func (m *Manager) LastSync() time.Time {
	ms := m.lastSync.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SyncPools reconciles live pools with the registry: new pools are created,
// changed ones resized, and pools that left the registry drained. The
// default pool is never drained.
func (m *Manager) SyncPools(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	if inv, ok := m.registry.(invalidator); ok {
		inv.Invalidate()
	}

	defs, err := m.registry.Pools(ctx)
	if err != nil {
		return fmt.Errorf("sync pools: %w", err)
	}

	active := map[string]bool{model.DefaultPoolCode: true}
	for _, def := range defs {
		active[def.Code] = true
		if err := def.Validate(); err != nil {
			slog.Warn("Skipping invalid pool definition", "pool", def.Code, "error", err)
			m.warnings.AddWarning(warning.CategoryConfiguration, warning.SeverityWarning,
				fmt.Sprintf("Invalid pool definition %s: %v", def.Code, err), source)
			continue
		}

		if p := m.Pool(def.Code); p != nil {
			if err := p.Apply(def); err != nil {
				slog.Error("Failed to apply pool definition", "pool", def.Code, "error", err)
			}
			continue
		}
		if _, err := m.ensurePool(def); err != nil {
			slog.Error("Failed to create pool", "pool", def.Code, "error", err)
		}
	}

	m.poolsMu.Lock()
	var removed []string
	for code, p := range m.pools {
		if active[code] {
			continue
		}
		delete(m.pools, code)
		m.draining.Store(code, p)
		removed = append(removed, code)
		m.drainWg.Add(1)
		go m.drain(code, p)
	}
	m.updateCapacityLocked()
	m.poolsMu.Unlock()

	m.lastSync.Store(time.Now().UnixMilli())
	slog.Debug("Pool config sync completed", "activeCount", len(defs), "removed", removed)
	return nil
}

// drain stops admission to p, waits for it to empty or the drain timeout,
// then shuts it down
func (m *Manager) drain(code string, p *pool.Pool) {
	defer m.drainWg.Done()
	defer m.draining.Delete(code)

	slog.Info("Draining pool no longer in registry", "pool", code)
	p.Drain()

	deadline := time.NewTimer(m.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

wait:
	for !p.IsDrained() {
		select {
		case <-deadline.C:
			slog.Warn("Pool drain timed out, returning held jobs", "pool", code, "queued", p.Queued())
			break wait
		case <-ticker.C:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		slog.Warn("Drained pool shutdown incomplete", "pool", code, "error", err)
	}
	slog.Info("Pool drained and removed", "pool", code)
}

// DrainingPools returns the codes of pools being drained
func (m *Manager) DrainingPools() []string {
	var codes []string
	m.draining.Range(func(k, _ any) bool {
		codes = append(codes, k.(string))
		return true
	})
	return codes
}

func (m *Manager) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.housekeep(ctx)
		}
	}
}

func (m *Manager) housekeep(ctx context.Context) {
	m.extendLongRunning()
	m.dropStaleEntries()
	m.checkForLeaks()
	m.checkBacklog(ctx)
}

// extendLongRunning extends the processing deadline of jobs held longer than ExtendAfter
func (m *Manager) extendLongRunning() {
	if m.cfg.ExtendAfter <= 0 {
		return
	}
	extended := 0
	for _, e := range m.pipeline.olderThan(m.cfg.ExtendAfter) {
		if err := e.current().InProgress(); err != nil {
			slog.Warn("Failed to extend processing deadline", "messageId", e.jobID, "error", err)
			continue
		}
		extended++
	}
	if extended > 0 {
		slog.Debug("Extended processing deadline for long-running jobs", "count", extended)
	}
}

// dropStaleEntries forgets jobs older than PipelineTTL that no live pool
// owns. A later redelivery of such a job is admitted again.
func (m *Manager) dropStaleEntries() {
	dropped := 0
	for _, e := range m.pipeline.olderThan(m.cfg.PipelineTTL) {
		if e.held() {
			continue
		}
		m.pipeline.remove(e)
		dropped++
	}
	if dropped > 0 {
		slog.Warn("Dropped stale pipeline entries", "count", dropped, "ttl", m.cfg.PipelineTTL)
	}
}

// checkForLeaks warns when the pipeline holds more jobs than the pools can
func (m *Manager) checkForLeaks() {
	size := m.pipeline.size()
	metrics.PipelineMapSize.Set(float64(size))

	capacity := 0
	for _, p := range m.Pools() {
		s := p.Stats()
		capacity += s.QueueCapacity + s.Concurrency
	}
	if capacity == 0 {
		capacity = pool.MinQueueCapacity
	}
	if size <= capacity {
		return
	}

	msg := fmt.Sprintf("Pipeline holds %d jobs, more than total pool capacity %d", size, capacity)
	slog.Warn("Possible pipeline leak", "pipelineSize", size, "totalCapacity", capacity)
	m.warnings.AddWarning(warning.CategoryQueueBacklog, warning.SeverityWarning, msg, source)
}
