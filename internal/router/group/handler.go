// Package group sequences dispatch jobs that share a message group key.
//
// Jobs of an ordered group (NEXT_ON_ERROR or BLOCK_ON_ERROR with a group key)
// run one at a time in arrival order. A failure under BLOCK_ON_ERROR parks the
// group until an operator resumes or skips the blocking job. Jobs without a
// group key, or in IMMEDIATE mode, bypass sequencing entirely.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

var (
	// ErrGroupNotFound is returned for operations on an unknown group
	ErrGroupNotFound = errors.New("message group not found")

	// ErrGroupNotBlocked is returned by Resume/Skip on a group that isn't blocked
	ErrGroupNotBlocked = errors.New("message group not blocked")

	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("group handler closed")
)

// DispatchFunc starts one asynchronous attempt for job. The attempt must end
// with a call to Handler.Complete.
type DispatchFunc func(job *model.DispatchJob)

// Config configures a handler
type Config struct {
	PoolCode string

	// PermanentFailureBlocks makes PERMANENT_FAILURE block a BLOCK_ON_ERROR group
	// instead of acknowledging the job and advancing
	PermanentFailureBlocks bool
}

// Info is a snapshot of one message group
type Info struct {
	Key           string    `json:"key"`
	Pending       int       `json:"pending"`
	InFlightJobID string    `json:"inFlightJobId,omitempty"`
	Blocked       bool      `json:"blocked"`
	BlockingJobID string    `json:"blockingJobId,omitempty"`
	BlockedAt     time.Time `json:"blockedAt,omitempty"`
	BlockReason   string    `json:"blockReason,omitempty"`
}

type record struct {
	key         string
	queue       []*model.DispatchJob
	inFlight    *model.DispatchJob
	blocked     bool
	blockingJob *model.DispatchJob
	blockedAt   time.Time
	blockReason string
}

func (r *record) idle() bool {
	return !r.blocked && r.inFlight == nil && len(r.queue) == 0
}

// Handler owns the message group state of one pool
type Handler struct {
	cfg      Config
	dispatch DispatchFunc
	warnings warning.Sink

	mu       sync.Mutex
	groups   map[string]*record
	pending  int
	blocked  int
	closed   bool
	inFlight sync.WaitGroup
}

// NewHandler creates a handler; dispatch starts attempts, warnings may be nil
func NewHandler(cfg Config, dispatch DispatchFunc, warnings warning.Sink) *Handler {
	if warnings == nil {
		warnings = warning.NopSink{}
	}
	return &Handler{
		cfg:      cfg,
		dispatch: dispatch,
		warnings: warnings,
		groups:   make(map[string]*record),
	}
}

// Submit accepts a job whose mode has been resolved. Ordered jobs join their
// group's queue; everything else is dispatched immediately.
func (h *Handler) Submit(job *model.DispatchJob) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	if !job.Ordered() {
		h.inFlight.Add(1)
		h.mu.Unlock()
		h.dispatch(job)
		return nil
	}

	rec, ok := h.groups[job.GroupKey]
	if !ok {
		rec = &record{key: job.GroupKey}
		h.groups[job.GroupKey] = rec
		metrics.PoolMessageGroupCount.WithLabelValues(h.cfg.PoolCode).Set(float64(len(h.groups)))
	}
	rec.queue = append(rec.queue, job)
	h.pending++

	if rec.blocked {
		slog.Debug("Job held behind blocked group",
			"pool", h.cfg.PoolCode,
			"group", rec.key,
			"messageId", job.ID)
	}

	next := h.advanceLocked(rec)
	h.mu.Unlock()

	h.launch(next)
	return nil
}

// DrainReady dispatches the head job of every group that is neither blocked
// nor already in flight.
func (h *Handler) DrainReady() {
	h.mu.Lock()
	var ready []*model.DispatchJob
	for _, rec := range h.groups {
		if next := h.advanceLocked(rec); next != nil {
			ready = append(ready, next)
		}
	}
	h.mu.Unlock()

	for _, job := range ready {
		h.launch(job)
	}
}

// advanceLocked pops the group's head job if the group may make progress
func (h *Handler) advanceLocked(rec *record) *model.DispatchJob {
	defer h.updateGroupGaugeLocked(rec)

	if h.closed || rec.blocked || rec.inFlight != nil || len(rec.queue) == 0 {
		return nil
	}
	job := rec.queue[0]
	rec.queue[0] = nil
	rec.queue = rec.queue[1:]
	rec.inFlight = job
	h.pending--
	h.inFlight.Add(1)
	return job
}

func (h *Handler) launch(job *model.DispatchJob) {
	if job != nil {
		h.dispatch(job)
	}
}

// Complete consumes the outcome of an attempt started through DispatchFunc:
// it settles the job against its queue, updates group state and raises
// warnings according to the job's mode.
func (h *Handler) Complete(job *model.DispatchJob, outcome model.Outcome) {
	defer h.inFlight.Done()

	if !job.Ordered() {
		h.completeUnordered(job, outcome)
		return
	}

	h.mu.Lock()
	rec, ok := h.groups[job.GroupKey]
	if !ok || rec.inFlight != job {
		h.mu.Unlock()
		slog.Error("Completion for job not in flight",
			"pool", h.cfg.PoolCode,
			"group", job.GroupKey,
			"messageId", job.ID)
		settle(job, outcome)
		return
	}
	rec.inFlight = nil

	block := false
	switch {
	case outcome.IsSuccess(), outcome.Kind == model.KindShutdown:
	case h.closed:
		// Nothing can resume a group once the handler is closed
	case job.Mode == model.ModeBlockOnError:
		block = !outcome.IsPermanent() || h.cfg.PermanentFailureBlocks
	}

	if block {
		rec.blocked = true
		rec.blockingJob = job
		rec.blockedAt = time.Now()
		rec.blockReason = outcome.Describe()
		h.blocked++
		metrics.GroupsBlocked.WithLabelValues(h.cfg.PoolCode).Set(float64(h.blocked))
	}

	next := h.advanceLocked(rec)
	h.gcLocked(rec)
	h.mu.Unlock()

	switch {
	case block:
		slog.Warn("Message group blocked",
			"pool", h.cfg.PoolCode,
			"group", job.GroupKey,
			"messageId", job.ID,
			"outcome", outcome.Describe())
		if outcome.Kind == model.KindUnexpected {
			break
		}
		h.warnings.AddWarning(
			warning.CategoryGroupBlocked,
			warning.SeverityError,
			fmt.Sprintf("Message group %s blocked by job %s: %s", job.GroupKey, job.ID, outcome.Describe()),
			h.source(),
		)
	case outcome.IsSuccess(), outcome.Kind == model.KindShutdown:
		settle(job, outcome)
	default:
		h.warnFailure(job, outcome)
		settle(job, outcome)
	}

	h.launch(next)
}

func (h *Handler) completeUnordered(job *model.DispatchJob, outcome model.Outcome) {
	if outcome.IsPermanent() {
		h.warnFailure(job, outcome)
	}
	settle(job, outcome)
}

// warnFailure raises the failure warning; unexpected failures are reported
// by the pool with escalating severity instead
func (h *Handler) warnFailure(job *model.DispatchJob, outcome model.Outcome) {
	if outcome.Kind == model.KindUnexpected {
		return
	}
	h.warnings.AddWarning(
		warning.CategoryMediation,
		warning.SeverityWarning,
		fmt.Sprintf("Job %s (group %q, mode %s) failed: %s", job.ID, job.GroupKey, job.Mode, outcome.Describe()),
		h.source(),
	)
}

// Resume unblocks a group; the blocking job is dispatched again before any
// job that queued behind it.
func (h *Handler) Resume(key string) error {
	h.mu.Lock()
	rec, err := h.blockedLocked(key)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	if job := rec.blockingJob; job != nil {
		rec.queue = append([]*model.DispatchJob{job}, rec.queue...)
		h.pending++
	}
	h.unblockLocked(rec)
	next := h.advanceLocked(rec)
	h.mu.Unlock()

	slog.Info("Message group resumed", "pool", h.cfg.PoolCode, "group", key)
	h.launch(next)
	return nil
}

// Skip acknowledges the blocking job without delivering it and unblocks the group
func (h *Handler) Skip(key string) error {
	h.mu.Lock()
	rec, err := h.blockedLocked(key)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	skipped := rec.blockingJob
	h.unblockLocked(rec)
	next := h.advanceLocked(rec)
	h.gcLocked(rec)
	h.mu.Unlock()

	if skipped != nil {
		slog.Info("Blocking job skipped",
			"pool", h.cfg.PoolCode,
			"group", key,
			"messageId", skipped.ID)
		ack(skipped)
	}
	h.launch(next)
	return nil
}

func (h *Handler) blockedLocked(key string) (*record, error) {
	rec, ok := h.groups[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, key)
	}
	if !rec.blocked {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotBlocked, key)
	}
	return rec, nil
}

func (h *Handler) unblockLocked(rec *record) {
	rec.blocked = false
	rec.blockingJob = nil
	rec.blockedAt = time.Time{}
	rec.blockReason = ""
	h.blocked--
	metrics.GroupsBlocked.WithLabelValues(h.cfg.PoolCode).Set(float64(h.blocked))
}

func (h *Handler) gcLocked(rec *record) {
	if !rec.idle() {
		return
	}
	delete(h.groups, rec.key)
	metrics.GroupQueueDepth.DeleteLabelValues(h.cfg.PoolCode, rec.key)
	metrics.PoolMessageGroupCount.WithLabelValues(h.cfg.PoolCode).Set(float64(len(h.groups)))
}

func (h *Handler) updateGroupGaugeLocked(rec *record) {
	metrics.GroupQueueDepth.WithLabelValues(h.cfg.PoolCode, rec.key).Set(float64(len(rec.queue)))
}

// Pending returns the number of queued jobs not yet dispatched
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

// Groups returns a snapshot of all live groups sorted by key
func (h *Handler) Groups() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]Info, 0, len(h.groups))
	for _, rec := range h.groups {
		result = append(result, rec.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Group returns a snapshot of one group
func (h *Handler) Group(key string) (Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.groups[key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrGroupNotFound, key)
	}
	return rec.info(), nil
}

// BlockedCount returns the number of blocked groups
func (h *Handler) BlockedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocked
}

func (r *record) info() Info {
	info := Info{
		Key:         r.key,
		Pending:     len(r.queue),
		Blocked:     r.blocked,
		BlockedAt:   r.blockedAt,
		BlockReason: r.blockReason,
	}
	if r.inFlight != nil {
		info.InFlightJobID = r.inFlight.ID
	}
	if r.blockingJob != nil {
		info.BlockingJobID = r.blockingJob.ID
	}
	return info
}

// Close stops dispatching, returns every queued and blocking job to its
// source queue and waits for in-flight attempts to complete or ctx to end.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	var returned []*model.DispatchJob
	for _, rec := range h.groups {
		returned = append(returned, rec.queue...)
		if rec.blockingJob != nil {
			returned = append(returned, rec.blockingJob)
		}
		rec.queue = nil
		if rec.blocked {
			h.unblockLocked(rec)
		}
		metrics.GroupQueueDepth.DeleteLabelValues(h.cfg.PoolCode, rec.key)
		if rec.inFlight == nil {
			delete(h.groups, rec.key)
		}
	}
	h.pending = 0
	metrics.PoolMessageGroupCount.WithLabelValues(h.cfg.PoolCode).Set(float64(len(h.groups)))
	h.mu.Unlock()

	for _, job := range returned {
		nak(job, 0)
	}
	if len(returned) > 0 {
		slog.Info("Returned undelivered jobs to queue", "pool", h.cfg.PoolCode, "count", len(returned))
	}

	done := make(chan struct{})
	go func() {
		h.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight jobs in pool %s: %w", h.cfg.PoolCode, ctx.Err())
	}
}

func (h *Handler) source() string {
	return "pool:" + h.cfg.PoolCode
}
