package manager

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
)

// pipeline tracks jobs between receipt and settlement, keyed by job id
type pipeline struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func newPipeline() *pipeline {
	return &pipeline{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// admit registers msg for jobID. When the job is already held the copy is
// folded into the existing entry and fresh is false.
func (p *pipeline) admit(jobID string, msg queue.Message) (e *entry, fresh bool) {
	p.mu.Lock()
	if held, ok := p.entries[jobID]; ok {
		p.mu.Unlock()
		metrics.PipelineRedeliveries.Inc()
		held.redelivered(msg)
		return held, false
	}

	e = &entry{jobID: jobID, msg: msg, admitted: p.now(), pipeline: p}
	p.entries[jobID] = e
	n := len(p.entries)
	p.mu.Unlock()

	metrics.PipelineMapSize.Set(float64(n))
	return e, true
}

func (p *pipeline) remove(e *entry) {
	p.mu.Lock()
	if p.entries[e.jobID] == e {
		delete(p.entries, e.jobID)
	}
	n := len(p.entries)
	p.mu.Unlock()

	metrics.PipelineMapSize.Set(float64(n))
}

func (p *pipeline) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// olderThan returns entries admitted more than age ago
func (p *pipeline) olderThan(age time.Duration) []*entry {
	cutoff := p.now().Add(-age)
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*entry
	for _, e := range p.entries {
		if e.admitted.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// entry is the receipt a pipeline job settles through. Settling removes the
// entry before touching the queue, so a copy redelivered right after a Nak
// is admitted as a new job.
type entry struct {
	jobID    string
	admitted time.Time
	pipeline *pipeline

	// owner is the pool the job was submitted to
	owner atomic.Pointer[pool.Pool]

	mu  sync.Mutex
	msg queue.Message
}

func (e *entry) claim(p *pool.Pool) {
	e.owner.Store(p)
}

// held reports whether a live pool still owns the job. Blocked groups hold
// their jobs until an operator resumes or skips them.
func (e *entry) held() bool {
	p := e.owner.Load()
	return p != nil && !p.Closed()
}

func (e *entry) current() queue.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msg
}

func (e *entry) Ack() error {
	e.pipeline.remove(e)
	return e.current().Ack()
}

func (e *entry) Nak() error {
	e.pipeline.remove(e)
	return e.current().Nak()
}

func (e *entry) NakWithDelay(delay time.Duration) error {
	e.pipeline.remove(e)
	return e.current().NakWithDelay(delay)
}

// redelivered folds a second delivery of the job into the entry. The same
// broker message is adopted so settlement uses the live delivery; a distinct
// copy of the job is acknowledged and dropped.
func (e *entry) redelivered(msg queue.Message) {
	e.mu.Lock()
	held := e.msg
	if msg.ID() != held.ID() {
		e.mu.Unlock()
		slog.Info("Dropping duplicate copy of job already in pipeline",
			"messageId", e.jobID,
			"heldBrokerId", held.ID(),
			"duplicateBrokerId", msg.ID())
		if err := msg.Ack(); err != nil {
			slog.Warn("Failed to ack duplicate copy", "messageId", e.jobID, "error", err)
		}
		return
	}
	defer e.mu.Unlock()

	heldHandle, ok1 := held.(queue.ReceiptHandleUpdatable)
	freshHandle, ok2 := msg.(queue.ReceiptHandleUpdatable)
	if ok1 && ok2 {
		if h := freshHandle.GetReceiptHandle(); h != "" {
			heldHandle.UpdateReceiptHandle(h)
			slog.Info("Updated receipt handle for in-pipeline job",
				"messageId", e.jobID,
				"newHandle", truncateHandle(h))
			return
		}
	}
	e.msg = msg
}

// truncateHandle shortens a receipt handle for logging
func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}
