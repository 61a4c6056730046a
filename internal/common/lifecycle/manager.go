package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ShutdownPhase orders resource release after services have stopped
type ShutdownPhase int

const (
	// PhaseQueue closes queue connections
	PhaseQueue ShutdownPhase = iota
	// PhaseLeader releases leader election resources
	PhaseLeader
	// PhaseDatabase closes database connections
	PhaseDatabase
	// PhaseFinal performs any final cleanup
	PhaseFinal
)

var phases = []ShutdownPhase{PhaseQueue, PhaseLeader, PhaseDatabase, PhaseFinal}

// ShutdownHook is a function called during shutdown
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager runs shutdown hooks phase by phase. Hooks of one phase run in
// parallel; a phase starts only after the previous one finished.
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	once            sync.Once
}

// NewManager creates a new shutdown manager
func NewManager() *Manager {
	return &Manager{shutdownTimeout: 30 * time.Second}
}

// SetShutdownTimeout sets the overall shutdown timeout
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timeout > 0 {
		m.shutdownTimeout = timeout
	}
}

// RegisterHook adds a shutdown hook
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterQueueShutdown registers a queue shutdown hook
func (m *Manager) RegisterQueueShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseQueue, Timeout: 15 * time.Second, Shutdown: shutdown})
}

// RegisterLeaderShutdown registers a leader election shutdown hook
func (m *Manager) RegisterLeaderShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseLeader, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// RegisterDatabaseShutdown registers a database shutdown hook
func (m *Manager) RegisterDatabaseShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseDatabase, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// Execute runs the shutdown sequence once; later calls return nil
func (m *Manager) Execute() error {
	var err error
	m.once.Do(func() { err = m.execute() })
	return err
}

func (m *Manager) execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	if len(hooks) == 0 {
		return nil
	}
	slog.Info("Releasing resources", "hooks", len(hooks), "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		byPhase[hook.Phase] = append(byPhase[hook.Phase], hook)
	}

	for _, phase := range phases {
		if len(byPhase[phase]) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, hook := range byPhase[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				executeHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			slog.Warn("Shutdown timeout reached, skipping remaining phases", "phase", int(phase))
			return ctx.Err()
		}
	}
	return nil
}

// executeHook runs a single shutdown hook with its own timeout
func executeHook(parent context.Context, hook ShutdownHook) {
	ctx, cancel := context.WithTimeout(parent, hook.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Shutdown hook failed", "hook", hook.Name, "error", err)
			return
		}
		slog.Debug("Shutdown hook completed", "hook", hook.Name)
	case <-ctx.Done():
		slog.Warn("Shutdown hook timed out", "hook", hook.Name)
	}
}
