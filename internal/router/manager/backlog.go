package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

const (
	backlogTimeout   = 5 * time.Second
	backlogSource    = "queue"
	maxGrowingChecks = 10
)

// backlogMonitor remembers the source queue depth between housekeeping passes
type backlogMonitor struct {
	mu       sync.Mutex
	previous int64
	seen     bool
	growing  int
}

// observe records depth and returns the number of consecutive checks in
// which it grew by at least step
func (b *backlogMonitor) observe(depth, step int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen && depth-b.previous >= step {
		b.growing = min(b.growing+1, maxGrowingChecks)
	} else {
		b.growing = 0
	}
	b.previous = depth
	b.seen = true
	return b.growing
}

// checkBacklog warns when the source queue is deeper than BacklogThreshold
// or has kept growing for BacklogGrowthChecks passes. Consumers that can't
// report a depth are skipped.
func (m *Manager) checkBacklog(ctx context.Context) {
	if m.cfg.BacklogThreshold <= 0 {
		return
	}
	reporter, ok := m.consumer.(queue.BacklogReporter)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, backlogTimeout)
	defer cancel()
	depth, err := reporter.Backlog(ctx)
	if err != nil {
		slog.Warn("Failed to read queue backlog", "error", err)
		return
	}
	metrics.QueueBacklog.Set(float64(depth))

	if depth > m.cfg.BacklogThreshold {
		slog.Warn("Queue backlog above threshold", "depth", depth, "threshold", m.cfg.BacklogThreshold)
		m.warnings.AddWarning(warning.CategoryQueueBacklog, warning.SeverityWarning,
			fmt.Sprintf("Queue depth is %d (threshold: %d)", depth, m.cfg.BacklogThreshold),
			backlogSource)
	}

	if growing := m.backlog.observe(depth, m.cfg.BacklogGrowth); growing >= m.cfg.BacklogGrowthChecks {
		slog.Warn("Queue backlog growing", "depth", depth, "checks", growing)
		m.warnings.AddWarning(warning.CategoryQueueBacklog, warning.SeverityWarning,
			fmt.Sprintf("Queue growing for %d checks (current depth: %d)", growing, depth),
			backlogSource)
	}
}
