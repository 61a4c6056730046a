package group

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

type fakeReceipt struct {
	mu     sync.Mutex
	acks   int
	naks   int
	delays []time.Duration
}

func (r *fakeReceipt) Ack() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks++
	return nil
}

func (r *fakeReceipt) Nak() error {
	return r.NakWithDelay(0)
}

func (r *fakeReceipt) NakWithDelay(d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.naks++
	r.delays = append(r.delays, d)
	return nil
}

func (r *fakeReceipt) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks, r.naks
}

type recordingSink struct {
	mu       sync.Mutex
	warnings []string
}

func (s *recordingSink) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, category)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warnings)
}

// launcher records dispatched jobs; tests complete them explicitly
type launcher struct {
	mu       sync.Mutex
	launched []*model.DispatchJob
}

func (l *launcher) dispatch(job *model.DispatchJob) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, job)
}

func (l *launcher) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, len(l.launched))
	for i, j := range l.launched {
		ids[i] = j.ID
	}
	return ids
}

func newJob(id, group string, mode model.DispatchMode) *model.DispatchJob {
	return &model.DispatchJob{ID: id, GroupKey: group, Mode: mode, Receipt: &fakeReceipt{}}
}

func receipt(job *model.DispatchJob) *fakeReceipt {
	return job.Receipt.(*fakeReceipt)
}

func newHandler(permanentBlocks bool) (*Handler, *launcher, *recordingSink) {
	l := &launcher{}
	sink := &recordingSink{}
	h := NewHandler(Config{PoolCode: "test-pool", PermanentFailureBlocks: permanentBlocks}, l.dispatch, sink)
	return h, l, sink
}

var errBoom = errors.New("boom")

func TestBlockOnError_HoldsGroupUntilResume(t *testing.T) {
	h, l, sink := newHandler(true)
	a := newJob("A", "order-1", model.ModeBlockOnError)
	b := newJob("B", "order-1", model.ModeBlockOnError)
	c := newJob("C", "order-1", model.ModeBlockOnError)

	require.NoError(t, h.Submit(a))
	require.NoError(t, h.Submit(b))
	require.NoError(t, h.Submit(c))
	assert.Equal(t, []string{"A"}, l.ids(), "one job per group in flight")

	h.Complete(a, model.Succeeded(200))
	assert.Equal(t, []string{"A", "B"}, l.ids())
	acks, _ := receipt(a).counts()
	assert.Equal(t, 1, acks)

	h.Complete(b, model.Retryable(model.KindServerError, errBoom, time.Second))
	assert.Equal(t, []string{"A", "B"}, l.ids(), "C must wait behind the blocked group")
	assert.Equal(t, 1, sink.count())

	acks, naks := receipt(b).counts()
	assert.Zero(t, acks, "blocking job is held, not settled")
	assert.Zero(t, naks)

	info, err := h.Group("order-1")
	require.NoError(t, err)
	assert.True(t, info.Blocked)
	assert.Equal(t, "B", info.BlockingJobID)
	assert.Equal(t, 1, info.Pending)

	// DrainReady must not release a blocked group
	h.DrainReady()
	assert.Equal(t, []string{"A", "B"}, l.ids())

	require.NoError(t, h.Resume("order-1"))
	assert.Equal(t, []string{"A", "B", "B"}, l.ids(), "blocking job is re-dispatched first")

	h.Complete(b, model.Succeeded(200))
	assert.Equal(t, []string{"A", "B", "B", "C"}, l.ids())

	h.Complete(c, model.Succeeded(200))
	assert.Empty(t, h.Groups(), "drained group is collected")
}

func TestBlockOnError_OtherGroupsContinue(t *testing.T) {
	h, l, _ := newHandler(true)
	a1 := newJob("a1", "A", model.ModeBlockOnError)
	a2 := newJob("a2", "A", model.ModeBlockOnError)
	b1 := newJob("b1", "B", model.ModeBlockOnError)
	b2 := newJob("b2", "B", model.ModeBlockOnError)

	for _, j := range []*model.DispatchJob{a1, a2, b1, b2} {
		require.NoError(t, h.Submit(j))
	}
	h.Complete(a1, model.Retryable(model.KindTimeout, errBoom, 0))
	h.Complete(b1, model.Succeeded(200))

	assert.ElementsMatch(t, []string{"a1", "b1", "b2"}, l.ids())
	assert.Equal(t, 1, h.BlockedCount())
}

func TestSkip_AcknowledgesBlockingJobAndAdvances(t *testing.T) {
	h, l, _ := newHandler(true)
	b := newJob("B", "g", model.ModeBlockOnError)
	c := newJob("C", "g", model.ModeBlockOnError)
	require.NoError(t, h.Submit(b))
	require.NoError(t, h.Submit(c))

	h.Complete(b, model.Permanent(model.KindClientError, errBoom))
	assert.Equal(t, []string{"B"}, l.ids(), "permanent failure blocks by default")

	require.NoError(t, h.Skip("g"))
	acks, _ := receipt(b).counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, []string{"B", "C"}, l.ids())
}

func TestBlockOnError_PermanentAdvancesWhenConfigured(t *testing.T) {
	h, l, sink := newHandler(false)
	b := newJob("B", "g", model.ModeBlockOnError)
	c := newJob("C", "g", model.ModeBlockOnError)
	require.NoError(t, h.Submit(b))
	require.NoError(t, h.Submit(c))

	h.Complete(b, model.Permanent(model.KindClientError, errBoom))

	assert.Equal(t, []string{"B", "C"}, l.ids())
	acks, _ := receipt(b).counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 1, sink.count())
	assert.Zero(t, h.BlockedCount())
}

func TestNextOnError_WarnsOnceAndAdvances(t *testing.T) {
	h, l, sink := newHandler(true)
	a := newJob("A", "g", model.ModeNextOnError)
	b := newJob("B", "g", model.ModeNextOnError)
	require.NoError(t, h.Submit(a))
	require.NoError(t, h.Submit(b))

	h.Complete(a, model.Retryable(model.KindServerError, errBoom, 3*time.Second))

	assert.Equal(t, 1, sink.count(), "exactly one warning")
	assert.Equal(t, []string{"A", "B"}, l.ids(), "next job attempted")

	_, naks := receipt(a).counts()
	assert.Equal(t, 1, naks)
	assert.Equal(t, []time.Duration{3 * time.Second}, receipt(a).delays)
	assert.Zero(t, h.BlockedCount())
}

func TestNextOnError_PermanentAcks(t *testing.T) {
	h, _, sink := newHandler(true)
	a := newJob("A", "g", model.ModeNextOnError)
	require.NoError(t, h.Submit(a))

	h.Complete(a, model.Permanent(model.KindClientError, errBoom))

	acks, naks := receipt(a).counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)
	assert.Equal(t, 1, sink.count())
}

func TestUnordered_DispatchesImmediately(t *testing.T) {
	h, l, sink := newHandler(true)
	jobs := []*model.DispatchJob{
		newJob("1", "", model.ModeBlockOnError),
		newJob("2", "g", model.ModeImmediate),
		newJob("3", "g", model.ModeImmediate),
	}
	for _, j := range jobs {
		require.NoError(t, h.Submit(j))
	}

	assert.Equal(t, []string{"1", "2", "3"}, l.ids())
	assert.Empty(t, h.Groups(), "unordered jobs create no group state")

	h.Complete(jobs[1], model.Retryable(model.KindServerError, errBoom, time.Second))
	assert.Zero(t, sink.count(), "retryable IMMEDIATE failures raise no warning")
	_, naks := receipt(jobs[1]).counts()
	assert.Equal(t, 1, naks)

	h.Complete(jobs[2], model.Permanent(model.KindClientError, errBoom))
	assert.Equal(t, 1, sink.count())

	h.Complete(jobs[0], model.Succeeded(200))
}

func TestUnexpectedFailure_LeavesWarningToPool(t *testing.T) {
	h, _, sink := newHandler(true)
	a := newJob("A", "g", model.ModeNextOnError)
	require.NoError(t, h.Submit(a))

	h.Complete(a, model.Retryable(model.KindUnexpected, errBoom, 0))
	assert.Zero(t, sink.count())
}

func TestResumeSkip_Errors(t *testing.T) {
	h, _, _ := newHandler(true)
	assert.ErrorIs(t, h.Resume("missing"), ErrGroupNotFound)
	assert.ErrorIs(t, h.Skip("missing"), ErrGroupNotFound)

	a := newJob("A", "g", model.ModeBlockOnError)
	require.NoError(t, h.Submit(a))
	assert.ErrorIs(t, h.Resume("g"), ErrGroupNotBlocked)
	assert.ErrorIs(t, h.Skip("g"), ErrGroupNotBlocked)
}

func TestClose_ReturnsUndeliveredJobs(t *testing.T) {
	h, l, _ := newHandler(true)
	blocking := newJob("blk", "g1", model.ModeBlockOnError)
	behind := newJob("behind", "g1", model.ModeBlockOnError)
	inflight := newJob("inflight", "g2", model.ModeBlockOnError)
	queued := newJob("queued", "g2", model.ModeBlockOnError)

	for _, j := range []*model.DispatchJob{blocking, behind, inflight, queued} {
		require.NoError(t, h.Submit(j))
	}
	h.Complete(blocking, model.Retryable(model.KindServerError, errBoom, 0))

	closed := make(chan error, 1)
	go func() { closed <- h.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned with a job in flight")
	case <-time.After(30 * time.Millisecond):
	}

	h.Complete(inflight, model.Succeeded(200))
	require.NoError(t, <-closed)

	for _, j := range []*model.DispatchJob{blocking, behind, queued} {
		_, naks := receipt(j).counts()
		assert.Equal(t, 1, naks, j.ID)
	}
	acks, _ := receipt(inflight).counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, []string{"blk", "inflight"}, l.ids(), "nothing dispatched after close")

	assert.ErrorIs(t, h.Submit(newJob("late", "g3", model.ModeBlockOnError)), ErrClosed)
	assert.Zero(t, h.Pending())
}

func TestClose_Timeout(t *testing.T) {
	h, _, _ := newHandler(true)
	require.NoError(t, h.Submit(newJob("stuck", "", model.ModeImmediate)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Close(ctx), context.DeadlineExceeded)
}

func TestPendingCountsQueuedJobs(t *testing.T) {
	h, _, _ := newHandler(true)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, h.Submit(newJob(id, "g", model.ModeNextOnError)))
	}
	assert.Equal(t, 2, h.Pending(), "head job is in flight, not pending")
}

func TestClose_FailureAfterCloseIsReturnedNotHeld(t *testing.T) {
	h, _, _ := newHandler(true)
	job := newJob("late-fail", "g", model.ModeBlockOnError)
	require.NoError(t, h.Submit(job))

	closed := make(chan error, 1)
	go func() { closed <- h.Close(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	h.Complete(job, model.Retryable(model.KindServerError, errBoom, 3*time.Second))
	require.NoError(t, <-closed)

	_, naks := receipt(job).counts()
	assert.Equal(t, 1, naks)
	assert.Zero(t, h.BlockedCount())
}
