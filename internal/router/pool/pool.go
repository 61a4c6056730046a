// Package pool provides the dispatch process pool: a rate gate and a
// resizable concurrency limiter in front of the mediator, with message group
// sequencing delegated to a group.Handler.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/group"
	"go.flowcatalyst.tech/dispatcher/internal/router/limiter"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

var (
	// ErrNotRunning is returned by Submit before Start or after Drain/Shutdown
	ErrNotRunning = errors.New("pool not running")

	// ErrAtCapacity is returned by Submit when the pool holds too many jobs
	ErrAtCapacity = errors.New("pool at capacity")
)

const (
	// MinQueueCapacity is the floor of the derived queue capacity
	MinQueueCapacity = 50

	// DefaultRejectDelay is the redelivery delay for jobs refused at capacity
	DefaultRejectDelay = 10 * time.Second

	defaultRateRecheck = 100 * time.Millisecond
	gaugeInterval      = 500 * time.Millisecond
)

// Config configures a pool
type Config struct {
	Pool model.DispatchPool

	// QueueCapacity bounds jobs held but not yet dispatched; 0 derives
	// max(concurrency*2, MinQueueCapacity) and tracks concurrency changes
	QueueCapacity int

	// PermanentFailureBlocks is passed to the group handler
	PermanentFailureBlocks bool

	// RejectDelay is the Nak delay for jobs refused at capacity
	RejectDelay time.Duration

	// RateRecheck bounds how long a rate-gated job sleeps before re-reading
	// the current rate limit
	RateRecheck time.Duration
}

// Pool dispatches jobs for one DispatchPool
type Pool struct {
	code     string
	cfg      Config
	mediator mediator.Mediator
	warnings warning.Sink

	limiter *limiter.Limiter
	groups  *group.Handler
	stats   *tracker

	rateMu             sync.RWMutex
	rateLimiter        *rate.Limiter
	rateLimitPerMinute *int

	queueCapacity atomic.Int32

	// waiting counts launched attempts that don't hold a permit yet
	waiting atomic.Int32

	// unexpected is the current streak of unexpected failures
	unexpected atomic.Int32

	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownMu sync.Mutex
	shutdown   bool
	closed     atomic.Bool

	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// New creates a pool. The pool must be started before it accepts jobs.
func New(cfg Config, med mediator.Mediator, warnings warning.Sink) (*Pool, error) {
	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	if warnings == nil {
		warnings = warning.NopSink{}
	}
	if cfg.RejectDelay <= 0 {
		cfg.RejectDelay = DefaultRejectDelay
	}
	if cfg.RateRecheck <= 0 {
		cfg.RateRecheck = defaultRateRecheck
	}

	lim, err := limiter.New(cfg.Pool.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.Pool.Code, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		code:     cfg.Pool.Code,
		cfg:      cfg,
		mediator: med,
		warnings: warnings,
		limiter:  lim,
		stats:    newTracker(),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.groups = group.NewHandler(group.Config{
		PoolCode:               p.code,
		PermanentFailureBlocks: cfg.PermanentFailureBlocks,
	}, p.dispatch, warnings)
	p.queueCapacity.Store(int32(p.capacityFor(cfg.Pool.Concurrency)))
	p.UpdateRateLimit(cfg.Pool.RateLimitPerMinute())

	return p, nil
}

func (p *Pool) capacityFor(concurrency int) int {
	if p.cfg.QueueCapacity > 0 {
		return p.cfg.QueueCapacity
	}
	return max(concurrency*2, MinQueueCapacity)
}

// Start begins accepting jobs
func (p *Pool) Start() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.shutdown || !p.running.CompareAndSwap(false, true) {
		return
	}

	if p.gaugeCancel == nil {
		gaugeCtx, gaugeCancel := context.WithCancel(context.Background())
		p.gaugeCancel = gaugeCancel
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater(gaugeCtx)
	}

	slog.Info("Started dispatch pool",
		"pool", p.code,
		"concurrency", p.limiter.Capacity(),
		"queueCapacity", p.queueCapacity.Load())
}

// Code returns the pool code
func (p *Pool) Code() string {
	return p.code
}

// Submit hands a job to the pool. A job refused with ErrAtCapacity or
// ErrNotRunning has already been returned to its queue.
func (p *Pool) Submit(job *model.DispatchJob) error {
	if !p.running.Load() {
		p.reject(job, "closing", 0)
		return fmt.Errorf("pool %s: %w", p.code, ErrNotRunning)
	}

	if p.Queued() >= int(p.queueCapacity.Load()) {
		p.reject(job, "capacity", p.cfg.RejectDelay)
		slog.Debug("Pool at capacity, rejecting job",
			"pool", p.code,
			"messageId", job.ID,
			"queued", p.Queued())
		return fmt.Errorf("pool %s: %w", p.code, ErrAtCapacity)
	}

	job.PoolCode = p.code
	if job.Mode == "" {
		job.ResolveMode(job.Subscription)
	}

	if err := p.groups.Submit(job); err != nil {
		p.reject(job, "closing", 0)
		return fmt.Errorf("pool %s: %w", p.code, err)
	}
	metrics.PoolJobsAdmitted.WithLabelValues(p.code).Inc()
	return nil
}

func (p *Pool) reject(job *model.DispatchJob, reason string, delay time.Duration) {
	metrics.PoolJobsRejected.WithLabelValues(p.code, reason).Inc()
	p.stats.recordRejected()
	if job.Receipt == nil {
		return
	}
	var err error
	if delay > 0 {
		err = job.Receipt.NakWithDelay(delay)
	} else {
		err = job.Receipt.Nak()
	}
	if err != nil {
		slog.Error("Failed to return rejected job", "pool", p.code, "messageId", job.ID, "error", err)
	}
}

// dispatch is the group handler's DispatchFunc
func (p *Pool) dispatch(job *model.DispatchJob) {
	p.waiting.Add(1)
	go p.run(job)
}

func (p *Pool) run(job *model.DispatchJob) {
	start := time.Now()
	outcome := p.attempt(job)
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	p.record(job, outcome)
	p.groups.Complete(job, outcome)
}

// attempt passes the rate gate, takes a permit and calls the mediator. It
// never panics.
func (p *Pool) attempt(job *model.DispatchJob) (outcome model.Outcome) {
	holdsPermit := false
	defer func() {
		if !holdsPermit {
			p.waiting.Add(-1)
		}
	}()

	if err := p.waitForRate(p.ctx, job); err != nil {
		return model.Retryable(model.KindShutdown, err, 0)
	}
	if err := p.limiter.Acquire(p.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			err = limiter.ErrLimiterClosed
		}
		return model.Retryable(model.KindShutdown, err, 0)
	}
	holdsPermit = true
	p.waiting.Add(-1)
	defer p.limiter.Release()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during dispatch",
				"pool", p.code,
				"messageId", job.ID,
				"panic", r)
			outcome = model.Retryable(model.KindUnexpected, fmt.Errorf("panic during dispatch: %v", r), 0)
		}
	}()

	job.Attempt++
	// In-flight calls run to completion on shutdown; the mediator applies the timeout
	return p.mediator.Dispatch(context.WithoutCancel(p.ctx), job)
}

// waitForRate blocks until the rate gate admits the job. The current limit
// is re-read at least every RateRecheck so updates apply to waiting jobs.
func (p *Pool) waitForRate(ctx context.Context, job *model.DispatchJob) error {
	deferred := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lim := p.currentRateLimiter()
		if lim == nil {
			return nil
		}
		r := lim.Reserve()
		delay := r.Delay()
		if r.OK() && delay == 0 {
			return nil
		}
		r.Cancel()

		if !deferred {
			deferred = true
			metrics.PoolRateLimitWaits.WithLabelValues(p.code).Inc()
			p.stats.recordRateLimited()
			slog.Debug("Rate limit reached, deferring job",
				"pool", p.code,
				"messageId", job.ID)
		}

		if !r.OK() || delay > p.cfg.RateRecheck {
			delay = p.cfg.RateRecheck
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pool) currentRateLimiter() *rate.Limiter {
	p.rateMu.RLock()
	defer p.rateMu.RUnlock()
	return p.rateLimiter
}

func (p *Pool) record(job *model.DispatchJob, outcome model.Outcome) {
	if outcome.Kind == model.KindShutdown {
		metrics.PoolJobsRejected.WithLabelValues(p.code, "closing").Inc()
		return
	}

	metrics.PoolJobsProcessed.WithLabelValues(p.code, string(outcome.Result), outcome.Kind).Inc()
	metrics.PoolProcessingDuration.WithLabelValues(p.code).Observe(outcome.Duration.Seconds())
	p.stats.recordOutcome(outcome)

	if outcome.Kind != model.KindUnexpected {
		p.unexpected.Store(0)
		slog.Debug("Dispatch attempt finished",
			"pool", p.code,
			"messageId", job.ID,
			"group", job.GroupKey,
			"outcome", outcome.Describe(),
			"durationMs", outcome.Duration.Milliseconds())
		return
	}

	streak := int(p.unexpected.Add(1))
	severity := warning.EscalatedSeverity(streak)
	slog.Error("Unexpected dispatch failure",
		"pool", p.code,
		"messageId", job.ID,
		"consecutive", streak,
		"error", outcome.Err)
	p.warnings.AddWarning(
		warning.CategoryUnexpected,
		severity,
		fmt.Sprintf("Unexpected failure dispatching job %s (%d in a row): %s", job.ID, streak, outcome.Describe()),
		"pool:"+p.code,
	)
}

// UpdateConcurrency resizes the limiter. Held permits are never revoked; a
// shrink takes effect as in-flight dispatches finish.
func (p *Pool) UpdateConcurrency(concurrency int) error {
	current := p.limiter.Capacity()
	if concurrency == current {
		return nil
	}
	if err := p.limiter.Resize(concurrency); err != nil {
		return fmt.Errorf("pool %s: %w: %w", p.code, model.ErrInvalidConcurrency, err)
	}
	p.queueCapacity.Store(int32(p.capacityFor(concurrency)))
	metrics.PoolConcurrency.WithLabelValues(p.code).Set(float64(concurrency))

	slog.Info("Pool concurrency updated",
		"pool", p.code,
		"from", current,
		"to", concurrency,
		"inFlight", p.limiter.InUse())
	return nil
}

// UpdateRateLimit replaces the rate gate; nil or <= 0 disables it. Jobs
// already waiting pick up the new limit on their next recheck.
func (p *Pool) UpdateRateLimit(perMinute *int) {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()

	if perMinute == nil || *perMinute <= 0 {
		if p.rateLimiter != nil {
			slog.Info("Rate limiting disabled", "pool", p.code)
		}
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		return
	}

	perSecond := rate.Limit(float64(*perMinute) / 60.0)
	if p.rateLimiter == nil {
		p.rateLimiter = rate.NewLimiter(perSecond, *perMinute)
	} else {
		p.rateLimiter.SetLimit(perSecond)
		p.rateLimiter.SetBurst(*perMinute)
	}
	v := *perMinute
	p.rateLimitPerMinute = &v
	slog.Info("Rate limit updated", "pool", p.code, "rateLimit", v)
}

// Apply reconciles the pool with a fresh definition from the registry
func (p *Pool) Apply(def model.DispatchPool) error {
	if def.Code != p.code {
		return fmt.Errorf("pool %s: cannot apply definition for %s", p.code, def.Code)
	}
	if err := p.UpdateConcurrency(def.Concurrency); err != nil {
		return err
	}
	next := def.RateLimitPerMinute()
	cur := p.RateLimitPerMinute()
	if (next == nil) != (cur == nil) || (next != nil && *next != *cur) {
		p.UpdateRateLimit(next)
	}
	return nil
}

// Drain stops accepting jobs; admitted jobs keep being dispatched
func (p *Pool) Drain() {
	if p.running.CompareAndSwap(true, false) {
		slog.Info("Draining dispatch pool", "pool", p.code, "queued", p.Queued())
	}
}

// IsDrained reports whether no job is queued or in flight. Jobs held by
// blocked groups count as queued.
func (p *Pool) IsDrained() bool {
	return p.Queued() == 0 && p.limiter.InUse() == 0 && p.groups.BlockedCount() == 0
}

// Shutdown stops the pool: waiting jobs are returned to their queue,
// in-flight dispatches run to completion or until ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.shutdown {
		return nil
	}
	p.shutdown = true
	p.closed.Store(true)
	p.running.Store(false)

	p.cancel()
	p.limiter.Close()
	err := p.groups.Close(ctx)

	if p.gaugeCancel != nil {
		p.gaugeCancel()
		p.gaugeWg.Wait()
	}
	p.updateGauges()

	if err != nil {
		slog.Warn("Pool shutdown timed out", "pool", p.code, "inFlight", p.limiter.InUse())
		return err
	}
	slog.Info("Pool shutdown complete", "pool", p.code)
	return nil
}

// Closed reports whether Shutdown has been called
func (p *Pool) Closed() bool {
	return p.closed.Load()
}

// Resume unblocks a message group
func (p *Pool) Resume(groupKey string) error {
	return p.groups.Resume(groupKey)
}

// Skip acknowledges a group's blocking job and unblocks the group
func (p *Pool) Skip(groupKey string) error {
	return p.groups.Skip(groupKey)
}

// Groups returns the pool's live message groups
func (p *Pool) Groups() []group.Info {
	return p.groups.Groups()
}

// Group returns one message group
func (p *Pool) Group(key string) (group.Info, error) {
	return p.groups.Group(key)
}

// Concurrency returns the configured concurrency
func (p *Pool) Concurrency() int {
	return p.limiter.Capacity()
}

// InFlight returns the number of dispatches holding a permit
func (p *Pool) InFlight() int {
	return p.limiter.InUse()
}

// Queued returns jobs held by the pool that don't hold a permit yet
func (p *Pool) Queued() int {
	return p.groups.Pending() + int(p.waiting.Load())
}

// RateLimitPerMinute returns the current rate limit, nil when unlimited
func (p *Pool) RateLimitPerMinute() *int {
	p.rateMu.RLock()
	defer p.rateMu.RUnlock()
	if p.rateLimitPerMinute == nil {
		return nil
	}
	v := *p.rateLimitPerMinute
	return &v
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	s := Stats{
		PoolCode:           p.code,
		Running:            p.running.Load(),
		Concurrency:        p.limiter.Capacity(),
		InFlight:           p.limiter.InUse(),
		WaitingForPermit:   p.limiter.Waiting(),
		Queued:             p.Queued(),
		QueueCapacity:      int(p.queueCapacity.Load()),
		RateLimitPerMinute: p.RateLimitPerMinute(),
		MessageGroups:      len(p.groups.Groups()),
		BlockedGroups:      p.groups.BlockedCount(),
	}
	p.stats.fill(&s)
	return s
}

func (p *Pool) runGaugeUpdater(ctx context.Context) {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	p.updateGauges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *Pool) updateGauges() {
	concurrency := p.limiter.Capacity()
	inFlight := p.limiter.InUse()

	metrics.PoolInFlight.WithLabelValues(p.code).Set(float64(inFlight))
	metrics.PoolConcurrency.WithLabelValues(p.code).Set(float64(concurrency))
	metrics.PoolUtilization.WithLabelValues(p.code).Set(float64(inFlight) / float64(concurrency))
	metrics.PoolQueueDepth.WithLabelValues(p.code).Set(float64(p.Queued()))
}
