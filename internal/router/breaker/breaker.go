// Package breaker keeps one circuit breaker per delivery target.
//
// Each target gets a gobreaker.TwoStepCircuitBreaker: the caller asks for
// admission with Allow and reports the classified result through the returned
// done func. A half-open breaker admits exactly one trial call.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// ErrCircuitOpen is returned when a target's breaker refuses the call
var ErrCircuitOpen = errors.New("circuit breaker open")

// State names as exposed by Stats
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Config configures every breaker in a registry
type Config struct {
	Enabled bool

	// FailureThreshold consecutive failures open the breaker
	FailureThreshold uint32

	// FailureRatio opens the breaker once MinRequests calls were seen in the
	// current window and this share of them failed; 0 disables ratio tripping
	FailureRatio float64
	MinRequests  uint32

	// Window is the closed-state counting period
	Window time.Duration

	// Cooldown is how long an open breaker rejects calls before a trial
	Cooldown time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		Window:           60 * time.Second,
		Cooldown:         10 * time.Second,
	}
}

// Stats is a point-in-time view of one breaker
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	SuccessfulCalls     uint64    `json:"successfulCalls"`
	FailedCalls         uint64    `json:"failedCalls"`
	RejectedCalls       uint64    `json:"rejectedCalls"`
	FailureRate         float64   `json:"failureRate"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	LastTransition      time.Time `json:"lastTransition"`
}

// Done reports the outcome of an admitted call; true means the target was healthy
type Done func(success bool)

type entry struct {
	name string

	mu sync.Mutex
	cb *gobreaker.TwoStepCircuitBreaker

	successful     atomic.Uint64
	failed         atomic.Uint64
	rejected       atomic.Uint64
	lastTransition atomic.Int64
}

func (e *entry) breaker() *gobreaker.TwoStepCircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

// Registry lazily creates and tracks per-target breakers
type Registry struct {
	cfg      Config
	warnings warning.Sink

	mu       sync.RWMutex
	breakers map[string]*entry
}

// NewRegistry creates a registry. warnings may be nil.
func NewRegistry(cfg Config, warnings warning.Sink) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if warnings == nil {
		warnings = warning.NopSink{}
	}
	return &Registry{
		cfg:      cfg,
		warnings: warnings,
		breakers: make(map[string]*entry),
	}
}

// Allow asks the target's breaker for admission. On success the caller must
// invoke the returned Done exactly once.
func (r *Registry) Allow(target string) (Done, error) {
	if !r.cfg.Enabled {
		return func(bool) {}, nil
	}

	e := r.entry(target)
	done, err := e.breaker().Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.rejected.Add(1)
			metrics.CircuitBreakerRejections.WithLabelValues(target).Inc()
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, target)
		}
		return nil, err
	}

	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			if success {
				e.successful.Add(1)
			} else {
				e.failed.Add(1)
			}
			done(success)
		})
	}, nil
}

func (r *Registry) entry(target string) *entry {
	r.mu.RLock()
	e, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.breakers[target]; ok {
		return e
	}

	e = &entry{name: target}
	e.cb = r.newBreaker(e)
	e.lastTransition.Store(time.Now().UnixNano())
	r.breakers[target] = e
	metrics.CircuitBreakerState.WithLabelValues(target).Set(metrics.CircuitBreakerClosed)
	return e
}

func (r *Registry) newBreaker(e *entry) *gobreaker.TwoStepCircuitBreaker {
	cfg := r.cfg
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        e.name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if cfg.FailureRatio <= 0 || cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(e, from, to)
		},
	})
}

// onStateChange runs under the gobreaker lock; it must not call back into the breaker
func (r *Registry) onStateChange(e *entry, from, to gobreaker.State) {
	e.lastTransition.Store(time.Now().UnixNano())

	slog.Info("Circuit breaker state changed",
		"target", e.name,
		"from", stateName(from),
		"to", stateName(to))

	metrics.CircuitBreakerState.WithLabelValues(e.name).Set(stateValue(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(e.name, stateName(to)).Inc()

	if to == gobreaker.StateOpen {
		r.warnings.AddWarning(
			warning.CategoryCircuitBreaker,
			warning.SeverityWarning,
			fmt.Sprintf("Circuit breaker opened for %s (from %s)", e.name, stateName(from)),
			"breaker:"+e.name,
		)
	}
}

// State returns the current state name for target; unknown targets are CLOSED
func (r *Registry) State(target string) string {
	r.mu.RLock()
	e, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return stateName(e.breaker().State())
}

// Stats returns the breaker stats for target
func (r *Registry) Stats(target string) (Stats, bool) {
	r.mu.RLock()
	e, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return e.stats(), true
}

// AllStats returns stats for every known target, sorted by name
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.breakers))
	for _, e := range r.breakers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]Stats, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.stats())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (e *entry) stats() Stats {
	cb := e.breaker()
	successful := e.successful.Load()
	failed := e.failed.Load()

	var rate float64
	if total := successful + failed; total > 0 {
		rate = float64(failed) / float64(total)
	}

	return Stats{
		Name:                e.name,
		State:               stateName(cb.State()),
		SuccessfulCalls:     successful,
		FailedCalls:         failed,
		RejectedCalls:       e.rejected.Load(),
		FailureRate:         rate,
		ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		LastTransition:      time.Unix(0, e.lastTransition.Load()),
	}
}

// Reset closes the breaker for target; it returns false for unknown targets.
// Call counters are kept.
func (r *Registry) Reset(target string) bool {
	r.mu.RLock()
	e, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.cb = r.newBreaker(e)
	e.mu.Unlock()

	e.lastTransition.Store(time.Now().UnixNano())
	metrics.CircuitBreakerState.WithLabelValues(target).Set(metrics.CircuitBreakerClosed)
	slog.Info("Circuit breaker reset", "target", target)
	return true
}

// ResetAll closes every breaker
func (r *Registry) ResetAll() int {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.Reset(name)
	}
	return len(names)
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}
