package manager

import (
	"context"
	"errors"
	"sync"
)

// Service wraps a Manager to implement lifecycle.Service
type Service struct {
	manager *Manager

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a service wrapper for the manager
func NewService(m *Manager) *Service {
	return &Service{manager: m}
}

// Name returns the service identifier
func (s *Service) Name() string {
	return "dispatch-manager"
}

// Start runs the manager and blocks until ctx is cancelled or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	defer close(done)
	return s.manager.Run(runCtx)
}

// Stop cancels the manager and waits for its pools to shut down
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports an error when the manager is not running
func (s *Service) Health() error {
	if !s.manager.Running() {
		return errors.New("dispatch manager not running")
	}
	return nil
}

// Pause stops consumption while pools finish their work. Used when this
// instance becomes standby.
func (s *Service) Pause() {
	s.manager.Pause()
}

// Resume restarts consumption. Used when this instance becomes primary.
func (s *Service) Resume() {
	s.manager.Resume()
}
