// Package manager connects the queue consumer to the dispatch pools: it
// decodes and resolves jobs, keeps redelivered copies out of the pipeline,
// and reconciles pools with the registry.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
	"go.flowcatalyst.tech/dispatcher/internal/router/registry"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// ErrAlreadyRunning is returned by Run on a manager that is already running
var ErrAlreadyRunning = errors.New("manager already running")

// ErrPoolNotFound is returned by operations naming a pool the manager doesn't run
var ErrPoolNotFound = errors.New("pool not found")

const source = "manager"

// Config holds manager behaviour
type Config struct {
	// PermanentFailureBlocks is passed to every pool
	PermanentFailureBlocks bool

	// RejectDelay is the redelivery delay for jobs refused by a full pool or
	// a failing registry lookup
	RejectDelay time.Duration

	// UnresolvableDelay is the redelivery delay for jobs whose subscription is unknown
	UnresolvableDelay time.Duration

	// SyncInterval is how often pools are reconciled with the registry; 0 disables
	SyncInterval time.Duration

	// DrainTimeout bounds draining a pool that left the registry
	DrainTimeout time.Duration

	// ShutdownTimeout bounds shutting down every pool when Run returns
	ShutdownTimeout time.Duration

	// HousekeepingInterval is how often the pipeline is checked for stale
	// entries, leaks and long-running jobs
	HousekeepingInterval time.Duration

	// PipelineTTL is how long a job may stay in the pipeline before its entry is dropped
	PipelineTTL time.Duration

	// ExtendAfter is how long a job is held before its processing deadline is
	// extended on every housekeeping pass; 0 disables extension
	ExtendAfter time.Duration

	// BacklogThreshold is the source queue depth above which a backlog
	// warning is raised; 0 disables backlog checks
	BacklogThreshold int64

	// BacklogGrowth is the per-check depth increase counted as growth
	BacklogGrowth int64

	// BacklogGrowthChecks is how many consecutive growing checks raise a warning
	BacklogGrowthChecks int

	// RestartDelay is the pause before restarting a consumer that failed
	RestartDelay time.Duration

	// StartPaused leaves consumption paused until Resume (standby mode)
	StartPaused bool
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		PermanentFailureBlocks: true,
		RejectDelay:            pool.DefaultRejectDelay,
		UnresolvableDelay:      30 * time.Second,
		SyncInterval:           5 * time.Minute,
		DrainTimeout:           60 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		HousekeepingInterval:   30 * time.Second,
		PipelineTTL:            time.Hour,
		ExtendAfter:            50 * time.Second,
		BacklogThreshold:       1000,
		BacklogGrowth:          100,
		BacklogGrowthChecks:    3,
		RestartDelay:           5 * time.Second,
	}
}

// Manager owns the dispatch pools and the consumer feeding them
type Manager struct {
	cfg      Config
	consumer queue.Consumer
	registry registry.Registry
	mediator mediator.Mediator
	warnings warning.Sink

	poolsMu  sync.RWMutex
	pools    map[string]*pool.Pool
	draining sync.Map // code -> *pool.Pool
	drainWg  sync.WaitGroup

	pipeline *pipeline
	backlog  backlogMonitor

	// consumption is allowed while active is closed
	activeMu    sync.Mutex
	active      chan struct{}
	paused      bool
	stopConsume context.CancelFunc

	running      atomic.Bool
	lastActivity atomic.Int64
	lastSync     atomic.Int64

	// unexpected is the current streak of unexpected resolution failures
	unexpected atomic.Int32
}

// New creates a manager. warnings may be nil.
func New(cfg Config, consumer queue.Consumer, reg registry.Registry, med mediator.Mediator, warnings warning.Sink) *Manager {
	def := DefaultConfig()
	if cfg.RejectDelay <= 0 {
		cfg.RejectDelay = def.RejectDelay
	}
	if cfg.UnresolvableDelay <= 0 {
		cfg.UnresolvableDelay = def.UnresolvableDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = def.HousekeepingInterval
	}
	if cfg.PipelineTTL <= 0 {
		cfg.PipelineTTL = def.PipelineTTL
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.BacklogGrowth <= 0 {
		cfg.BacklogGrowth = def.BacklogGrowth
	}
	if cfg.BacklogGrowthChecks <= 0 {
		cfg.BacklogGrowthChecks = def.BacklogGrowthChecks
	}
	if warnings == nil {
		warnings = warning.NopSink{}
	}

	m := &Manager{
		cfg:      cfg,
		consumer: consumer,
		registry: reg,
		mediator: med,
		warnings: warnings,
		pools:    make(map[string]*pool.Pool),
		pipeline: newPipeline(),
		active:   make(chan struct{}),
		paused:   cfg.StartPaused,
	}
	if !m.paused {
		close(m.active)
	}
	return m
}

// Run syncs pools, then consumes until ctx is done. When it returns every
// pool has been shut down and held jobs returned to the queue.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	if err := m.SyncPools(ctx); err != nil {
		slog.Warn("Initial pool sync failed, pools will be created on demand", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.consumeLoop(gctx) })
	g.Go(func() error {
		m.syncLoop(gctx)
		return nil
	})
	g.Go(func() error {
		m.housekeepingLoop(gctx)
		return nil
	})
	err := g.Wait()

	m.shutdownPools()
	slog.Info("Dispatch manager stopped")
	return err
}

// Running reports whether Run is in progress
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Pause stops consumption. Pools keep dispatching what they already hold.
func (m *Manager) Pause() {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if m.paused {
		return
	}
	m.paused = true
	m.active = make(chan struct{})
	if m.stopConsume != nil {
		m.stopConsume()
	}
	slog.Info("Consumption paused")
}

// Resume restarts consumption after Pause
func (m *Manager) Resume() {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.active)
	slog.Info("Consumption resumed")
}

// Paused reports whether consumption is paused
func (m *Manager) Paused() bool {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return m.paused
}

// LastActivity returns when the consumer last delivered a message
func (m *Manager) LastActivity() time.Time {
	ms := m.lastActivity.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// consumeCtx returns a context for one consume session, or blocks while paused
func (m *Manager) consumeCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	for {
		m.activeMu.Lock()
		active := m.active
		if !m.paused {
			cctx, cancel := context.WithCancel(ctx)
			m.stopConsume = cancel
			m.activeMu.Unlock()
			return cctx, cancel, nil
		}
		m.activeMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-active:
		}
	}
}

func (m *Manager) consumeLoop(ctx context.Context) error {
	for {
		cctx, cancel, err := m.consumeCtx(ctx)
		if err != nil {
			return nil
		}

		slog.Info("Consumer started")
		err = m.consumer.Consume(cctx, func(msg queue.Message) error {
			m.Handle(cctx, msg)
			return nil
		})
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if err == nil || errors.Is(err, context.Canceled) {
			if m.Paused() {
				continue
			}
			if err == nil {
				slog.Info("Consumer finished")
				return nil
			}
		}

		slog.Error("Consumer failed, restarting", "error", err, "delay", m.cfg.RestartDelay)
		m.warnings.AddWarning(warning.CategoryQueueBacklog, warning.SeverityError,
			fmt.Sprintf("Queue consumer failed and is restarting: %v", err), source)

		timer := time.NewTimer(m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Handle takes ownership of one queue message: it is either admitted to a
// pool or settled here.
func (m *Manager) Handle(ctx context.Context, msg queue.Message) {
	m.lastActivity.Store(time.Now().UnixMilli())

	var receipt *entry
	defer func() {
		if r := recover(); r != nil {
			m.recoverHandle(msg, receipt, r)
		}
	}()

	job, err := decode(msg)
	if err != nil {
		m.discard(msg, err)
		return
	}

	receipt, fresh := m.pipeline.admit(job.ID, msg)
	if !fresh {
		slog.Debug("Job already in pipeline, holding redelivered copy",
			"messageId", job.ID,
			"brokerMessageId", msg.ID())
		return
	}
	job.Receipt = receipt

	m.route(ctx, job, receipt)
}

// recoverHandle returns a message whose handling panicked to the queue,
// through its pipeline entry when it was admitted.
func (m *Manager) recoverHandle(msg queue.Message, receipt *entry, r any) {
	id := msg.ID()
	var err error
	if receipt != nil {
		id = receipt.jobID
		err = receipt.NakWithDelay(m.cfg.RejectDelay)
	} else {
		err = msg.NakWithDelay(m.cfg.RejectDelay)
	}
	if err != nil {
		slog.Error("Failed to return message after panic", "messageId", id, "error", err)
	}
	m.unexpectedFailure(id, fmt.Errorf("panic handling message: %v", r))
}

// unexpectedFailure raises a warning whose severity escalates with the
// number of consecutive unexpected failures
func (m *Manager) unexpectedFailure(jobID string, err error) {
	streak := int(m.unexpected.Add(1))
	slog.Error("Unexpected failure resolving job",
		"messageId", jobID,
		"consecutive", streak,
		"error", err)
	m.warnings.AddWarning(
		warning.CategoryUnexpected,
		warning.EscalatedSeverity(streak),
		fmt.Sprintf("Unexpected failure resolving job %s (%d in a row): %v", jobID, streak, err),
		source,
	)
}

func decode(msg queue.Message) (*model.DispatchJob, error) {
	wire, err := model.DecodeDispatchMessage(msg.Data())
	if err != nil {
		return nil, err
	}
	job, err := wire.ToJob()
	if err != nil {
		return nil, err
	}
	// A server-side group (FIFO queues) supersedes the job's own group
	if group := msg.MessageGroup(); group != "" {
		job.GroupKey = group
	}
	return job, nil
}

// discard acknowledges a message that can never become a job
func (m *Manager) discard(msg queue.Message, cause error) {
	metrics.PipelineUndecodable.Inc()
	slog.Error("Discarding undecodable message", "brokerMessageId", msg.ID(), "error", cause)
	m.warnings.AddWarning(warning.CategoryConfiguration, warning.SeverityError,
		fmt.Sprintf("Discarded undecodable message %s: %v", msg.ID(), cause), source)
	if err := msg.Ack(); err != nil {
		slog.Error("Failed to ack undecodable message", "brokerMessageId", msg.ID(), "error", err)
	}
}

func (m *Manager) route(ctx context.Context, job *model.DispatchJob, receipt *entry) {
	sub, err := m.registry.Subscription(ctx, job.SubscriptionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			slog.Warn("Unknown subscription, returning job",
				"messageId", job.ID,
				"subscriptionId", job.SubscriptionID)
			m.warnings.AddWarning(warning.CategoryConfiguration, warning.SeverityWarning,
				fmt.Sprintf("Job %s references unknown subscription %s", job.ID, job.SubscriptionID), source)
			returnJob(job, m.cfg.UnresolvableDelay)
			return
		}
		m.unexpectedFailure(job.ID, fmt.Errorf("subscription %s lookup: %w", job.SubscriptionID, err))
		returnJob(job, m.cfg.RejectDelay)
		return
	}

	job.Subscription = sub
	job.ResolveMode(sub)

	p, err := m.poolFor(ctx, sub.PoolCode())
	if err != nil {
		m.unexpectedFailure(job.ID, fmt.Errorf("pool %s lookup: %w", sub.PoolCode(), err))
		returnJob(job, m.cfg.RejectDelay)
		return
	}
	m.unexpected.Store(0)

	// A refused job has already been returned to the queue by the pool
	receipt.claim(p)
	if err := p.Submit(job); err != nil {
		slog.Debug("Pool refused job", "messageId", job.ID, "pool", p.Code(), "error", err)
	}
}

func returnJob(job *model.DispatchJob, delay time.Duration) {
	if err := job.Receipt.NakWithDelay(delay); err != nil {
		slog.Error("Failed to return job to queue", "messageId", job.ID, "error", err)
	}
}

// poolFor returns the live pool for code, creating it from the registry.
// Unknown codes fall back to the default pool.
func (m *Manager) poolFor(ctx context.Context, code string) (*pool.Pool, error) {
	if code == "" {
		code = model.DefaultPoolCode
	}
	if p := m.Pool(code); p != nil {
		return p, nil
	}

	def, err := m.registry.Pool(ctx, code)
	switch {
	case err == nil:
		return m.ensurePool(*def)
	case !errors.Is(err, registry.ErrNotFound):
		return nil, err
	case code != model.DefaultPoolCode:
		slog.Warn("Subscription names an unknown pool, using default pool", "pool", code)
		return m.poolFor(ctx, model.DefaultPoolCode)
	default:
		return m.ensurePool(model.DefaultPool())
	}
}

// ensurePool returns the pool for def.Code, creating and starting it if needed
func (m *Manager) ensurePool(def model.DispatchPool) (*pool.Pool, error) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, ok := m.pools[def.Code]; ok {
		return p, nil
	}

	p, err := pool.New(pool.Config{
		Pool:                   def,
		PermanentFailureBlocks: m.cfg.PermanentFailureBlocks,
		RejectDelay:            m.cfg.RejectDelay,
	}, m.mediator, m.warnings)
	if err != nil {
		return nil, err
	}
	p.Start()
	m.pools[def.Code] = p
	m.updateCapacityLocked()

	slog.Info("Created dispatch pool",
		"pool", def.Code,
		"concurrency", def.Concurrency,
		"rateLimit", def.RateLimitPerMinute())
	return p, nil
}

func (m *Manager) updateCapacityLocked() {
	total := 0
	for _, p := range m.pools {
		total += p.Concurrency()
	}
	metrics.PipelineTotalCapacity.Set(float64(total))
}

// Pool returns a live pool, or nil
func (m *Manager) Pool(code string) *pool.Pool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// Pools returns every live pool
func (m *Manager) Pools() []*pool.Pool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	out := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// PoolStats returns a snapshot of every live pool keyed by code
func (m *Manager) PoolStats() map[string]pool.Stats {
	pools := m.Pools()
	out := make(map[string]pool.Stats, len(pools))
	for _, p := range pools {
		out[p.Code()] = p.Stats()
	}
	return out
}

// ResumeGroup unblocks a message group; its blocking job is dispatched first
func (m *Manager) ResumeGroup(poolCode, groupKey string) error {
	p := m.Pool(poolCode)
	if p == nil {
		return fmt.Errorf("%s: %w", poolCode, ErrPoolNotFound)
	}
	return p.Resume(groupKey)
}

// SkipGroup acknowledges a group's blocking job and unblocks the group
func (m *Manager) SkipGroup(poolCode, groupKey string) error {
	p := m.Pool(poolCode)
	if p == nil {
		return fmt.Errorf("%s: %w", poolCode, ErrPoolNotFound)
	}
	return p.Skip(groupKey)
}

// PipelineSize returns the number of jobs held between receipt and settlement
func (m *Manager) PipelineSize() int {
	return m.pipeline.size()
}

// shutdownPools shuts every live and draining pool down in parallel
func (m *Manager) shutdownPools() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	m.poolsMu.Lock()
	pools := m.pools
	m.pools = make(map[string]*pool.Pool)
	m.updateCapacityLocked()
	m.poolsMu.Unlock()

	var g errgroup.Group
	for code, p := range pools {
		g.Go(func() error {
			slog.Info("Shutting down pool", "pool", code)
			return p.Shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("Pool shutdown incomplete", "error", err)
	}

	// Draining pools finish on their own deadline, bounded by ours
	done := make(chan struct{})
	go func() {
		m.drainWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.draining.Range(func(_, v any) bool {
			_ = v.(*pool.Pool).Shutdown(context.Background())
			return true
		})
	}
}
