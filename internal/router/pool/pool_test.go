package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatcher/internal/router/limiter"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// mockMediator records calls and tracks peak concurrency
type mockMediator struct {
	dispatchFunc func(job *model.DispatchJob) model.Outcome

	mu      sync.Mutex
	calls   []string
	current atomic.Int32
	peak    atomic.Int32
}

func newMockMediator() *mockMediator {
	return &mockMediator{
		dispatchFunc: func(*model.DispatchJob) model.Outcome { return model.Succeeded(200) },
	}
}

func (m *mockMediator) Dispatch(_ context.Context, job *model.DispatchJob) model.Outcome {
	n := m.current.Add(1)
	defer m.current.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, job.ID)
	m.mu.Unlock()
	return m.dispatchFunc(job)
}

func (m *mockMediator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockMediator) callIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeReceipt struct {
	acks   atomic.Int32
	naks   atomic.Int32
	mu     sync.Mutex
	delays []time.Duration
}

func (r *fakeReceipt) Ack() error {
	r.acks.Add(1)
	return nil
}

func (r *fakeReceipt) Nak() error {
	return r.NakWithDelay(0)
}

func (r *fakeReceipt) NakWithDelay(d time.Duration) error {
	r.naks.Add(1)
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func (r *fakeReceipt) settled() bool {
	return r.acks.Load()+r.naks.Load() > 0
}

type capturedWarning struct {
	category string
	severity string
}

type captureSink struct {
	mu       sync.Mutex
	warnings []capturedWarning
}

func (s *captureSink) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, capturedWarning{category, severity})
}

func (s *captureSink) all() []capturedWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedWarning(nil), s.warnings...)
}

func newJob(id, groupKey string, mode model.DispatchMode) *model.DispatchJob {
	return &model.DispatchJob{
		ID:       id,
		GroupKey: groupKey,
		Mode:     mode,
		Receipt:  &fakeReceipt{},
	}
}

func receiptOf(job *model.DispatchJob) *fakeReceipt {
	return job.Receipt.(*fakeReceipt)
}

func newTestPool(t *testing.T, cfg Config, med *mockMediator, sink warning.Sink) *Pool {
	t.Helper()
	if cfg.Pool.Code == "" {
		cfg.Pool.Code = "test-pool"
	}
	p, err := New(cfg, med, sink)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestNew_InvalidConcurrency(t *testing.T) {
	_, err := New(Config{Pool: model.DispatchPool{Code: "p", Concurrency: 0}}, newMockMediator(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidConcurrency)
}

func TestSubmit_NotRunning(t *testing.T) {
	p, err := New(Config{Pool: model.DispatchPool{Code: "idle", Concurrency: 1}}, newMockMediator(), nil)
	require.NoError(t, err)

	job := newJob("j1", "", model.ModeImmediate)
	assert.ErrorIs(t, p.Submit(job), ErrNotRunning)
	assert.Equal(t, int32(1), receiptOf(job).naks.Load())
}

func TestSubmit_DispatchesAndAcks(t *testing.T) {
	med := newMockMediator()
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 2}}, med, nil)

	job := newJob("j1", "", "")
	require.NoError(t, p.Submit(job))

	require.Eventually(t, func() bool { return receiptOf(job).acks.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "test-pool", job.PoolCode)
	assert.Equal(t, model.ModeImmediate, job.Mode, "mode resolved on submit")
	assert.Equal(t, 1, job.Attempt)
}

func TestInFlightNeverExceedsConcurrency_AcrossResize(t *testing.T) {
	med := newMockMediator()
	med.dispatchFunc = func(*model.DispatchJob) model.Outcome {
		time.Sleep(5 * time.Millisecond)
		return model.Succeeded(200)
	}
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 4}, QueueCapacity: 500}, med, nil)

	jobs := make([]*model.DispatchJob, 0, 120)
	for i := 0; i < 60; i++ {
		job := newJob(fmt.Sprintf("a-%d", i), "", model.ModeImmediate)
		jobs = append(jobs, job)
		require.NoError(t, p.Submit(job))
	}

	// Shrink while saturated; nothing in flight is aborted
	require.NoError(t, p.UpdateConcurrency(2))
	require.Eventually(t, func() bool { return p.InFlight() <= 2 }, 2*time.Second, time.Millisecond)
	med.peak.Store(0)

	for i := 0; i < 60; i++ {
		job := newJob(fmt.Sprintf("b-%d", i), "", model.ModeImmediate)
		jobs = append(jobs, job)
		require.NoError(t, p.Submit(job))
	}

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			if receiptOf(j).acks.Load() != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, med.peak.Load(), int32(2), "in-flight exceeded concurrency after shrink")
	assert.Equal(t, 120, med.callCount())
}

func TestResizeShrink_WaitsForInFlightToDrain(t *testing.T) {
	release := make(chan struct{})
	med := newMockMediator()
	med.dispatchFunc = func(*model.DispatchJob) model.Outcome {
		<-release
		return model.Succeeded(200)
	}
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 5}}, med, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(newJob("held", "", model.ModeImmediate)))
	}
	require.Eventually(t, func() bool { return p.InFlight() == 4 }, time.Second, time.Millisecond)

	require.NoError(t, p.UpdateConcurrency(2))
	assert.Equal(t, 4, p.InFlight(), "held dispatches are not aborted")

	late := newJob("late", "", model.ModeImmediate)
	require.NoError(t, p.Submit(late))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, med.callCount(), "new job waits while in-flight >= 2")

	close(release)
	require.Eventually(t, func() bool { return receiptOf(late).acks.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRateGate_DefersRatherThanDrops(t *testing.T) {
	med := newMockMediator()
	sixty := 60
	p := newTestPool(t, Config{
		Pool:          model.DispatchPool{Concurrency: 20, RateLimit: &sixty},
		QueueCapacity: 200,
	}, med, nil)

	jobs := make([]*model.DispatchJob, 61)
	for i := range jobs {
		jobs[i] = newJob("r", "", model.ModeImmediate)
		require.NoError(t, p.Submit(jobs[i]))
	}

	require.Eventually(t, func() bool { return med.callCount() == 60 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 60, med.callCount(), "61st job admitted inside the burst")

	require.Eventually(t, func() bool { return med.callCount() == 61 }, 3*time.Second, 10*time.Millisecond)
	for _, j := range jobs {
		assert.Zero(t, receiptOf(j).naks.Load(), "rate-gated job was returned to the queue")
	}
	assert.Positive(t, p.Stats().TotalRateLimited)
}

func TestUpdateRateLimit_RemovingLimitReleasesWaiters(t *testing.T) {
	med := newMockMediator()
	one := 1
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 5, RateLimit: &one}}, med, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(newJob("x", "", model.ModeImmediate)))
	}
	require.Eventually(t, func() bool { return med.callCount() == 1 }, time.Second, 5*time.Millisecond)

	p.UpdateRateLimit(nil)
	assert.Nil(t, p.RateLimitPerMinute())
	require.Eventually(t, func() bool { return med.callCount() == 3 }, time.Second, 5*time.Millisecond)
}

func TestBlockOnError_Scenario(t *testing.T) {
	var failB atomic.Bool
	failB.Store(true)

	med := newMockMediator()
	med.dispatchFunc = func(job *model.DispatchJob) model.Outcome {
		if job.ID == "B" && failB.Load() {
			return model.Retryable(model.KindServerError, errors.New("503"), time.Second)
		}
		return model.Succeeded(200)
	}
	sink := &captureSink{}
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 2}}, med, sink)

	a := newJob("A", "order-1", model.ModeBlockOnError)
	b := newJob("B", "order-1", model.ModeBlockOnError)
	c := newJob("C", "order-1", model.ModeBlockOnError)
	other := newJob("X", "order-2", model.ModeBlockOnError)
	for _, j := range []*model.DispatchJob{a, b, c, other} {
		require.NoError(t, p.Submit(j))
	}

	require.Eventually(t, func() bool {
		info, err := p.Group("order-1")
		return err == nil && info.Blocked
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return receiptOf(other).acks.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), receiptOf(a).acks.Load())
	assert.False(t, receiptOf(b).settled(), "blocking job is held")
	assert.False(t, receiptOf(c).settled())
	assert.NotContains(t, med.callIDs(), "C", "C dispatched while group blocked")
	assert.Equal(t, 1, p.Stats().BlockedGroups)

	failB.Store(false)
	require.NoError(t, p.Resume("order-1"))
	require.Eventually(t, func() bool { return receiptOf(c).acks.Load() == 1 }, time.Second, 5*time.Millisecond)

	var order []string
	for _, id := range med.callIDs() {
		if id != "X" {
			order = append(order, id)
		}
	}
	assert.Equal(t, []string{"A", "B", "B", "C"}, order)
	assert.Equal(t, int32(1), receiptOf(b).acks.Load())

	warnings := sink.all()
	require.Len(t, warnings, 1)
	assert.Equal(t, warning.CategoryGroupBlocked, warnings[0].category)
}

func TestSubmit_RejectsAtCapacity(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	med := newMockMediator()
	med.dispatchFunc = func(*model.DispatchJob) model.Outcome {
		<-release
		return model.Succeeded(200)
	}
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 1}, QueueCapacity: 2}, med, nil)

	require.NoError(t, p.Submit(newJob("1", "", model.ModeImmediate)))
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(newJob("2", "", model.ModeImmediate)))
	require.NoError(t, p.Submit(newJob("3", "", model.ModeImmediate)))

	overflow := newJob("4", "", model.ModeImmediate)
	assert.ErrorIs(t, p.Submit(overflow), ErrAtCapacity)

	r := receiptOf(overflow)
	assert.Equal(t, int32(1), r.naks.Load())
	assert.Equal(t, []time.Duration{DefaultRejectDelay}, r.delays)
	assert.Equal(t, int64(1), p.Stats().TotalRejected)
}

func TestDerivedQueueCapacity(t *testing.T) {
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 10}}, newMockMediator(), nil)
	assert.Equal(t, MinQueueCapacity, p.Stats().QueueCapacity)

	require.NoError(t, p.UpdateConcurrency(40))
	assert.Equal(t, 80, p.Stats().QueueCapacity)

	err := p.UpdateConcurrency(0)
	assert.ErrorIs(t, err, model.ErrInvalidConcurrency)
	assert.ErrorIs(t, err, limiter.ErrInvalidCapacity)
	assert.Equal(t, 40, p.Concurrency())
}

func TestPanicInMediator_RetryableWithEscalatingWarnings(t *testing.T) {
	med := newMockMediator()
	med.dispatchFunc = func(*model.DispatchJob) model.Outcome {
		panic("mediator exploded")
	}
	sink := &captureSink{}
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 1}}, med, sink)

	var jobs []*model.DispatchJob
	for i := 0; i < 3; i++ {
		job := newJob("p", "", model.ModeImmediate)
		jobs = append(jobs, job)
		require.NoError(t, p.Submit(job))
		require.Eventually(t, func() bool { return receiptOf(job).naks.Load() == 1 }, time.Second, 5*time.Millisecond)
	}

	warnings := sink.all()
	require.Len(t, warnings, 3)
	for _, w := range warnings {
		assert.Equal(t, warning.CategoryUnexpected, w.category)
	}
	assert.Equal(t, warning.SeverityWarning, warnings[0].severity)
	assert.Equal(t, warning.SeverityWarning, warnings[1].severity)
	assert.Equal(t, warning.SeverityError, warnings[2].severity)
	assert.Equal(t, 0, p.InFlight(), "permit released after panic")

	// A classified outcome ends the streak
	med.dispatchFunc = func(*model.DispatchJob) model.Outcome { return model.Succeeded(200) }
	ok := newJob("ok", "", model.ModeImmediate)
	require.NoError(t, p.Submit(ok))
	require.Eventually(t, func() bool { return receiptOf(ok).acks.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.unexpected.Load())
}

func TestShutdown_ReturnsWaitingJobsAndFinishesInFlight(t *testing.T) {
	release := make(chan struct{})
	med := newMockMediator()
	med.dispatchFunc = func(*model.DispatchJob) model.Outcome {
		<-release
		return model.Succeeded(200)
	}
	p, err := New(Config{Pool: model.DispatchPool{Code: "closing", Concurrency: 1}}, med, nil)
	require.NoError(t, err)
	p.Start()

	first := newJob("first", "", model.ModeImmediate)
	waiting := newJob("waiting", "", model.ModeImmediate)
	queued := newJob("queued", "g", model.ModeNextOnError)
	behind := newJob("behind", "g", model.ModeNextOnError)
	require.NoError(t, p.Submit(first))
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, time.Millisecond)
	for _, j := range []*model.DispatchJob{waiting, queued, behind} {
		require.NoError(t, p.Submit(j))
	}

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		return receiptOf(waiting).naks.Load() == 1 && receiptOf(behind).naks.Load() == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), receiptOf(first).acks.Load(), "in-flight dispatch completed")
	assert.Equal(t, int32(1), receiptOf(queued).naks.Load())
	assert.Equal(t, []string{"first"}, med.callIDs())
	assert.ErrorIs(t, p.Submit(newJob("late", "", model.ModeImmediate)), ErrNotRunning)
}

func TestDrain_StopsAdmission(t *testing.T) {
	p := newTestPool(t, Config{Pool: model.DispatchPool{Concurrency: 1}}, newMockMediator(), nil)
	p.Drain()
	assert.ErrorIs(t, p.Submit(newJob("d", "", model.ModeImmediate)), ErrNotRunning)
	assert.True(t, p.IsDrained())
}

func TestApply(t *testing.T) {
	p := newTestPool(t, Config{Pool: model.DispatchPool{Code: "apply", Concurrency: 3}}, newMockMediator(), nil)

	rl := 120
	require.NoError(t, p.Apply(model.DispatchPool{Code: "apply", Concurrency: 7, RateLimit: &rl}))
	assert.Equal(t, 7, p.Concurrency())
	require.NotNil(t, p.RateLimitPerMinute())
	assert.Equal(t, 120, *p.RateLimitPerMinute())

	require.NoError(t, p.Apply(model.DispatchPool{Code: "apply", Concurrency: 7}))
	assert.Nil(t, p.RateLimitPerMinute())

	assert.Error(t, p.Apply(model.DispatchPool{Code: "other", Concurrency: 1}))
}
