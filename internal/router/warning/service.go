package warning

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
)

// DefaultMaxWarnings bounds the in-memory store
const DefaultMaxWarnings = 1000

// Service is the full warning store used by the operator API
type Service interface {
	Sink
	List(filter Filter) []Warning
	Acknowledge(id string) bool
	ClearAll() int
	ClearOlderThan(age time.Duration) int
	Count() int
}

// InMemoryService keeps the most recent warnings in insertion order
type InMemoryService struct {
	mu          sync.RWMutex
	warnings    []*Warning
	maxWarnings int
	now         func() time.Time
}

// NewInMemoryService creates a store holding at most maxWarnings entries;
// maxWarnings <= 0 selects DefaultMaxWarnings.
func NewInMemoryService(maxWarnings int) *InMemoryService {
	if maxWarnings <= 0 {
		maxWarnings = DefaultMaxWarnings
	}
	return &InMemoryService{
		maxWarnings: maxWarnings,
		now:         time.Now,
	}
}

// AddWarning records a warning, evicting the oldest when full
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	if len(s.warnings) >= s.maxWarnings {
		drop := len(s.warnings) - s.maxWarnings + 1
		s.warnings = append(s.warnings[:0:0], s.warnings[drop:]...)
	}
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()

	metrics.WarningsRaised.WithLabelValues(category, severity).Inc()

	slog.Warn("Warning raised",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
}

// List returns matching warnings, newest first
func (s *InMemoryService) List(filter Filter) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Warning, 0, len(s.warnings))
	for i := len(s.warnings) - 1; i >= 0; i-- {
		if filter.matches(s.warnings[i]) {
			result = append(result, *s.warnings[i])
		}
	}
	return result
}

// Acknowledge marks a warning as seen
func (s *InMemoryService) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.warnings {
		if w.ID == id {
			w.Acknowledged = true
			slog.Info("Warning acknowledged", "warningId", id)
			return true
		}
	}
	return false
}

// ClearAll removes every warning and returns how many were removed
func (s *InMemoryService) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.warnings)
	s.warnings = nil
	slog.Info("Cleared all warnings", "count", n)
	return n
}

// ClearOlderThan removes warnings created before now-age
func (s *InMemoryService) ClearOlderThan(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-age)
	kept := s.warnings[:0]
	for _, w := range s.warnings {
		if !w.CreatedAt.Before(threshold) {
			kept = append(kept, w)
		}
	}
	removed := len(s.warnings) - len(kept)
	for i := len(kept); i < len(s.warnings); i++ {
		s.warnings[i] = nil
	}
	s.warnings = kept

	slog.Info("Cleared old warnings", "count", removed, "age", age)
	return removed
}

// Count returns the number of stored warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.warnings)
}
