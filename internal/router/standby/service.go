// Package standby provides active/standby operation through a distributed
// lock. The instance holding the lock is PRIMARY and consumes; the others
// wait in STANDBY and take over when the lock expires.
package standby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// Role represents the current role of this instance
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

const providerTimeout = 5 * time.Second

// Config holds standby configuration
type Config struct {
	// Enabled controls whether the lock is used; disabled instances are always PRIMARY
	Enabled bool

	// InstanceID identifies this instance (random when empty)
	InstanceID string

	LockKey string

	// LockTTL is how long the lock is held without a refresh
	LockTTL time.Duration

	// RefreshInterval is how often the lock is acquired or refreshed; must be below LockTTL
	RefreshInterval time.Duration
}

// DefaultConfig returns default standby configuration
func DefaultConfig() Config {
	return Config{
		LockKey:         "dispatcher:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks are invoked on role changes
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is a distributed lock
type LockProvider interface {
	// TryAcquire takes the lock if it is free
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends the lock if instanceID still holds it
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release drops the lock if instanceID holds it
	Release(ctx context.Context, key, instanceID string) error

	// Holder returns the current holder, "" when free
	Holder(ctx context.Context, key string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Status is the standby view served by the monitoring API
type Status struct {
	Enabled               bool   `json:"standbyEnabled"`
	InstanceID            string `json:"instanceId"`
	Role                  Role   `json:"role"`
	LockAvailable         bool   `json:"lockAvailable"`
	CurrentLockHolder     string `json:"currentLockHolder,omitempty"`
	LastSuccessfulRefresh string `json:"lastSuccessfulRefresh,omitempty"`
	Warning               string `json:"warning,omitempty"`
}

// Service runs leader election
type Service struct {
	cfg       Config
	callbacks Callbacks
	provider  LockProvider
	warnings  warning.Sink

	mu            sync.RWMutex
	instanceID    string
	role          Role
	available     bool
	holder        string
	lastRefresh   time.Time
	warningText   string
	stopped       chan struct{}
	stopRequested context.CancelFunc
}

// NewService creates a standby service. provider may be nil when cfg.Enabled is false.
func NewService(cfg Config, provider LockProvider, callbacks Callbacks, warnings warning.Sink) (*Service, error) {
	def := DefaultConfig()
	if cfg.LockKey == "" {
		cfg.LockKey = def.LockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.Enabled {
		if provider == nil {
			return nil, fmt.Errorf("standby: lock provider is required")
		}
		if cfg.RefreshInterval >= cfg.LockTTL {
			return nil, fmt.Errorf("standby: refresh interval %v must be shorter than lock ttl %v", cfg.RefreshInterval, cfg.LockTTL)
		}
	}
	if warnings == nil {
		warnings = warning.NopSink{}
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	return &Service{
		cfg:        cfg,
		callbacks:  callbacks,
		provider:   provider,
		warnings:   warnings,
		instanceID: instanceID,
		role:       RoleUnknown,
	}, nil
}

// Name returns the service identifier
func (s *Service) Name() string {
	return "standby"
}

// Start runs the election loop until ctx is done or Stop is called. A
// disabled service becomes PRIMARY and waits.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopped = make(chan struct{})
	s.stopRequested = cancel
	stopped := s.stopped
	s.mu.Unlock()
	defer close(stopped)
	defer cancel()

	if !s.cfg.Enabled {
		slog.Info("Standby disabled, running as PRIMARY", "instanceId", s.instanceID)
		s.setRole(RolePrimary)
		<-ctx.Done()
		return nil
	}

	slog.Info("Starting leader election",
		"instanceId", s.instanceID,
		"lockKey", s.cfg.LockKey,
		"lockTTL", s.cfg.LockTTL,
		"refreshInterval", s.cfg.RefreshInterval)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.release()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends the election loop and releases the lock if held. The provider
// stays open; its owner closes it.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancel, stopped := s.stopRequested, s.stopped
	s.mu.RUnlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports lock provider trouble while the lock is in use
func (s *Service) Health() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.available {
		return fmt.Errorf("lock provider unavailable")
	}
	return nil
}

// tick acquires or refreshes the lock. An unreachable provider keeps the
// current role; the lock TTL bounds how long two primaries can overlap.
func (s *Service) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, providerTimeout)
	defer cancel()

	if err := s.provider.Ping(ctx); err != nil {
		slog.Warn("Lock provider unavailable, keeping current role", "error", err)
		s.setAvailable(false, "lock provider unavailable: "+err.Error())
		return
	}
	s.setAvailable(true, "")

	if s.Role() == RolePrimary {
		refreshed, err := s.provider.Refresh(ctx, s.cfg.LockKey, s.instanceID, s.cfg.LockTTL)
		if err != nil {
			slog.Error("Error refreshing leader lock", "error", err)
			s.setAvailable(true, "lock refresh error: "+err.Error())
			return
		}
		if refreshed {
			s.mu.Lock()
			s.lastRefresh = time.Now()
			s.mu.Unlock()
			return
		}

		slog.Warn("Lost leader lock, transitioning to STANDBY", "instanceId", s.instanceID)
		s.warnings.AddWarning(warning.CategoryLeader, warning.SeverityWarning,
			fmt.Sprintf("Instance %s lost the leader lock", s.instanceID), "standby")
		s.setRole(RoleStandby)
		s.updateHolder(ctx)
		return
	}

	acquired, err := s.provider.TryAcquire(ctx, s.cfg.LockKey, s.instanceID, s.cfg.LockTTL)
	if err != nil {
		slog.Error("Error acquiring leader lock", "error", err)
		s.setAvailable(true, "lock acquisition error: "+err.Error())
		return
	}
	if acquired {
		s.mu.Lock()
		s.lastRefresh = time.Now()
		s.holder = s.instanceID
		s.mu.Unlock()
		s.setRole(RolePrimary)
		return
	}

	s.updateHolder(ctx)
	if s.Role() == RoleUnknown {
		s.setRole(RoleStandby)
	}
}

func (s *Service) release() {
	if s.Role() != RolePrimary {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()
	if err := s.provider.Release(ctx, s.cfg.LockKey, s.instanceID); err != nil {
		slog.Warn("Failed to release leader lock", "error", err)
		return
	}
	slog.Info("Released leader lock", "instanceId", s.instanceID)
	s.setRole(RoleStandby)
}

func (s *Service) setAvailable(available bool, warningText string) {
	s.mu.Lock()
	s.available = available
	s.warningText = warningText
	s.mu.Unlock()
}

func (s *Service) updateHolder(ctx context.Context) {
	holder, err := s.provider.Holder(ctx, s.cfg.LockKey)
	if err != nil {
		slog.Debug("Failed to read lock holder", "error", err)
		return
	}
	s.mu.Lock()
	s.holder = holder
	s.mu.Unlock()
}

// setRole records the role and runs the matching callback on change
func (s *Service) setRole(role Role) {
	s.mu.Lock()
	old := s.role
	s.role = role
	s.mu.Unlock()

	if old == role {
		return
	}
	slog.Info("Role changed", "instanceId", s.instanceID, "oldRole", old, "newRole", role)

	switch role {
	case RolePrimary:
		metrics.StandbyPrimary.Set(1)
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		metrics.StandbyPrimary.Set(0)
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

// Role returns the current role
func (s *Service) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// IsPrimary reports whether this instance is the leader
func (s *Service) IsPrimary() bool {
	return s.Role() == RolePrimary
}

// InstanceID returns this instance's id
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Status returns the current standby status
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Enabled:           s.cfg.Enabled,
		InstanceID:        s.instanceID,
		Role:              s.role,
		LockAvailable:     s.available || !s.cfg.Enabled,
		CurrentLockHolder: s.holder,
		Warning:           s.warningText,
	}
	if !s.lastRefresh.IsZero() {
		st.LastSuccessfulRefresh = s.lastRefresh.Format(time.RFC3339)
	}
	return st
}
