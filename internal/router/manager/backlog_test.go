package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/queue/memory"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// stubBacklog reports a fixed depth or error
type stubBacklog struct {
	queue.Consumer
	depth int64
	err   error
}

func (s *stubBacklog) Backlog(context.Context) (int64, error) {
	return s.depth, s.err
}

func newBacklogManager(t *testing.T, consumer queue.Consumer, cfg Config) (*Manager, *warning.InMemoryService) {
	t.Helper()
	warnings := warning.NewInMemoryService(20)
	m := New(cfg, consumer, testRegistry(), &mockMediator{}, warnings)
	t.Cleanup(m.shutdownPools)
	return m, warnings
}

func backlogWarnings(w *warning.InMemoryService) []warning.Warning {
	return w.List(warning.Filter{Category: warning.CategoryQueueBacklog})
}

func TestCheckBacklog_AboveThreshold(t *testing.T) {
	q := memory.New()
	t.Cleanup(func() { _ = q.Close() })
	cfg := DefaultConfig()
	cfg.BacklogThreshold = 2
	m, warnings := newBacklogManager(t, q, cfg)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2"} {
		require.NoError(t, q.Publish(ctx, "dispatch.jobs", encodeJob(t, id, "sub-orders", "")))
	}
	m.checkBacklog(ctx)
	assert.Empty(t, backlogWarnings(warnings), "depth at threshold")

	require.NoError(t, q.Publish(ctx, "dispatch.jobs", encodeJob(t, "job-3", "sub-orders", "")))
	m.checkBacklog(ctx)
	list := backlogWarnings(warnings)
	require.Len(t, list, 1)
	assert.Equal(t, warning.SeverityWarning, list[0].Severity)
	assert.Equal(t, "Queue depth is 3 (threshold: 2)", list[0].Message)
}

func TestCheckBacklog_SustainedGrowth(t *testing.T) {
	stub := &stubBacklog{}
	cfg := DefaultConfig()
	cfg.BacklogThreshold = 10_000
	cfg.BacklogGrowth = 100
	cfg.BacklogGrowthChecks = 3
	m, warnings := newBacklogManager(t, stub, cfg)
	ctx := context.Background()

	for _, depth := range []int64{100, 200, 300} {
		stub.depth = depth
		m.checkBacklog(ctx)
	}
	assert.Empty(t, backlogWarnings(warnings), "two growing checks")

	stub.depth = 400
	m.checkBacklog(ctx)
	list := backlogWarnings(warnings)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Message, "growing for 3 checks")

	// Growth below the step resets the streak
	stub.depth = 450
	m.checkBacklog(ctx)
	stub.depth = 550
	m.checkBacklog(ctx)
	assert.Len(t, backlogWarnings(warnings), 1)
}

func TestCheckBacklog_Skipped(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BacklogThreshold = 0
		m, warnings := newBacklogManager(t, &stubBacklog{depth: 5000}, cfg)
		m.checkBacklog(context.Background())
		assert.Empty(t, backlogWarnings(warnings))
	})

	t.Run("consumer without depth", func(t *testing.T) {
		m, warnings := newBacklogManager(t, struct{ queue.Consumer }{}, DefaultConfig())
		m.checkBacklog(context.Background())
		assert.Empty(t, backlogWarnings(warnings))
	})

	t.Run("depth unavailable", func(t *testing.T) {
		m, warnings := newBacklogManager(t, &stubBacklog{err: errors.New("throttled")}, DefaultConfig())
		m.checkBacklog(context.Background())
		assert.Empty(t, backlogWarnings(warnings))
	})
}

func TestBacklogMonitor_CapsGrowingChecks(t *testing.T) {
	var b backlogMonitor
	for i := int64(0); i < 20; i++ {
		b.observe(i*10, 10)
	}
	assert.Equal(t, maxGrowingChecks, b.observe(200, 10))
	assert.Equal(t, 0, b.observe(200, 10))
}
