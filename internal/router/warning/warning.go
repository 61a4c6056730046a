// Package warning records operator-facing warnings raised by the dispatch engine.
package warning

import (
	"strings"
	"time"
)

// Severity levels
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Categories raised by the engine
const (
	CategoryQueueBacklog   = "QUEUE_BACKLOG"
	CategoryMediation      = "MEDIATION"
	CategoryGroupBlocked   = "GROUP_BLOCKED"
	CategoryConfiguration  = "CONFIGURATION"
	CategoryPoolLimit      = "POOL_LIMIT"
	CategoryCircuitBreaker = "CIRCUIT_BREAKER"
	CategoryUnexpected     = "UNEXPECTED"
	CategoryLeader         = "LEADER_ELECTION"
)

// Warning is a single operator notification
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"createdAt"`
	Acknowledged bool      `json:"acknowledged"`
}

// Sink is the write side used by engine components
type Sink interface {
	AddWarning(category, severity, message, source string)
}

// Filter narrows a warning listing; zero fields match everything
type Filter struct {
	Severity       string
	Category       string
	Unacknowledged bool
}

func (f Filter) matches(w *Warning) bool {
	if f.Severity != "" && !strings.EqualFold(w.Severity, f.Severity) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(w.Category, f.Category) {
		return false
	}
	if f.Unacknowledged && w.Acknowledged {
		return false
	}
	return true
}

// NopSink discards warnings
type NopSink struct{}

// AddWarning implements Sink
func (NopSink) AddWarning(string, string, string, string) {}

// EscalatedSeverity maps a streak of consecutive unexpected failures to a
// severity: WARNING, then ERROR from the 3rd, CRITICAL from the 10th.
func EscalatedSeverity(consecutive int) string {
	switch {
	case consecutive >= 10:
		return SeverityCritical
	case consecutive >= 3:
		return SeverityError
	default:
		return SeverityWarning
	}
}
