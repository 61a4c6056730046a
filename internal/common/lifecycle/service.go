// Package lifecycle starts, supervises and stops the long-running parts of
// the dispatcher. Each part implements Service; a Supervisor starts them in
// order and stops them in reverse order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStopTimeout bounds Stop for one service
const DefaultStopTimeout = 30 * time.Second

const startupGrace = 100 * time.Millisecond

// Service represents a startable/stoppable component
type Service interface {
	// Name returns the service identifier for logging
	Name() string

	// Start runs the service. It blocks until ctx is cancelled or the
	// service fails.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service within ctx
	Stop(ctx context.Context) error

	// Health returns nil if the service is healthy
	Health() error
}

// Supervisor manages multiple services with coordinated lifecycle
type Supervisor struct {
	services    []Service
	stopTimeout time.Duration

	mu      sync.RWMutex
	running bool
}

// NewSupervisor creates a supervisor for the given services
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{
		services:    services,
		stopTimeout: DefaultStopTimeout,
	}
}

// WithStopTimeout sets the per-service stop timeout
func (s *Supervisor) WithStopTimeout(d time.Duration) *Supervisor {
	if d > 0 {
		s.stopTimeout = d
	}
	return s
}

type exit struct {
	name string
	err  error
}

// Run starts all services and blocks until ctx is cancelled or a service
// exits with an error. Services are started in order and stopped in
// reverse order. A service that fails stops everything and its error is
// returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exits := make(chan exit, len(s.services))
	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(svc Service) {
			err := svc.Start(runCtx)
			errCh <- err
			exits <- exit{name: svc.Name(), err: err}
		}(svc)

		select {
		case err := <-errCh:
			if err != nil {
				s.stopServices(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(startupGrace):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	var failure error
	for failure == nil {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown requested, stopping services")
			s.stopServices(started)
			return nil
		case e := <-exits:
			if e.err != nil && !errors.Is(e.err, context.Canceled) {
				slog.Error("Service failed", "service", e.name, "error", e.err)
				failure = fmt.Errorf("service %s failed: %w", e.name, e.err)
			}
		}
	}

	cancel()
	s.stopServices(started)
	return failure
}

// stopServices stops services in reverse order
func (s *Supervisor) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		slog.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health returns nil only if every service is healthy
func (s *Supervisor) Health() error {
	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

// ServiceFunc adapts plain functions to the Service interface
type ServiceFunc struct {
	name      string
	startFunc func(ctx context.Context) error
	stopFunc  func(ctx context.Context) error
	healthFn  func() error
}

// NewServiceFunc creates a Service from functions. stop may be nil.
func NewServiceFunc(name string, start func(ctx context.Context) error, stop func(ctx context.Context) error) *ServiceFunc {
	if stop == nil {
		stop = func(context.Context) error { return nil }
	}
	return &ServiceFunc{
		name:      name,
		startFunc: start,
		stopFunc:  stop,
		healthFn:  func() error { return nil },
	}
}

func (s *ServiceFunc) Name() string                    { return s.name }
func (s *ServiceFunc) Start(ctx context.Context) error { return s.startFunc(ctx) }
func (s *ServiceFunc) Stop(ctx context.Context) error  { return s.stopFunc(ctx) }
func (s *ServiceFunc) Health() error                   { return s.healthFn() }

// WithHealth sets the health function
func (s *ServiceFunc) WithHealth(fn func() error) *ServiceFunc {
	s.healthFn = fn
	return s
}
