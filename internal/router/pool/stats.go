package pool

import (
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

const (
	shortWindow = 5 * time.Minute
	longWindow  = 30 * time.Minute
)

// Stats is a point-in-time view of a pool
type Stats struct {
	PoolCode           string `json:"poolCode"`
	Running            bool   `json:"running"`
	Concurrency        int    `json:"concurrency"`
	InFlight           int    `json:"inFlight"`
	WaitingForPermit   int    `json:"waitingForPermit"`
	Queued             int    `json:"queued"`
	QueueCapacity      int    `json:"queueCapacity"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute,omitempty"`
	MessageGroups      int    `json:"messageGroups"`
	BlockedGroups      int    `json:"blockedGroups"`

	TotalProcessed          int64      `json:"totalProcessed"`
	TotalSucceeded          int64      `json:"totalSucceeded"`
	TotalRetryable          int64      `json:"totalRetryable"`
	TotalPermanent          int64      `json:"totalPermanent"`
	TotalRateLimited        int64      `json:"totalRateLimited"`
	TotalRejected           int64      `json:"totalRejected"`
	SuccessRate             float64    `json:"successRate"`
	AverageProcessingTimeMs float64    `json:"averageProcessingTimeMs"`
	LastActivity            *time.Time `json:"lastActivity,omitempty"`

	Processed5min   int64   `json:"processed5min"`
	Succeeded5min   int64   `json:"succeeded5min"`
	SuccessRate5min float64 `json:"successRate5min"`

	Processed30min   int64   `json:"processed30min"`
	Succeeded30min   int64   `json:"succeeded30min"`
	SuccessRate30min float64 `json:"successRate30min"`
}

type timestampedOutcome struct {
	at      time.Time
	success bool
}

// tracker accumulates attempt counters and the rolling outcome windows
type tracker struct {
	mu  sync.Mutex
	now func() time.Time

	succeeded    int64
	retryable    int64
	permanent    int64
	rateLimited  int64
	rejected     int64
	totalMillis  int64
	lastActivity time.Time
	outcomes     []timestampedOutcome
}

func newTracker() *tracker {
	return &tracker{now: time.Now}
}

func (t *tracker) recordOutcome(outcome model.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	switch outcome.Result {
	case model.ResultSuccess:
		t.succeeded++
		t.lastActivity = now
	case model.ResultPermanentFailure:
		t.permanent++
		t.lastActivity = now
	default:
		// Retries don't count as activity
		t.retryable++
	}
	t.totalMillis += outcome.Duration.Milliseconds()
	t.outcomes = append(t.outcomes, timestampedOutcome{at: now, success: outcome.IsSuccess()})
	t.pruneLocked(now)
}

func (t *tracker) recordRateLimited() {
	t.mu.Lock()
	t.rateLimited++
	t.mu.Unlock()
}

func (t *tracker) recordRejected() {
	t.mu.Lock()
	t.rejected++
	t.mu.Unlock()
}

func (t *tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-longWindow)
	i := 0
	for i < len(t.outcomes) && !t.outcomes[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		t.outcomes = append(t.outcomes[:0], t.outcomes[i:]...)
	}
}

// fill copies the counters into s
func (t *tracker) fill(s *Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	total := t.succeeded + t.retryable + t.permanent
	s.TotalProcessed = total
	s.TotalSucceeded = t.succeeded
	s.TotalRetryable = t.retryable
	s.TotalPermanent = t.permanent
	s.TotalRateLimited = t.rateLimited
	s.TotalRejected = t.rejected
	s.SuccessRate = ratio(t.succeeded, total)
	if total > 0 {
		s.AverageProcessingTimeMs = float64(t.totalMillis) / float64(total)
	}
	if !t.lastActivity.IsZero() {
		ts := t.lastActivity
		s.LastActivity = &ts
	}

	shortCutoff := now.Add(-shortWindow)
	for _, o := range t.outcomes {
		s.Processed30min++
		if o.success {
			s.Succeeded30min++
		}
		if o.at.After(shortCutoff) {
			s.Processed5min++
			if o.success {
				s.Succeeded5min++
			}
		}
	}
	s.SuccessRate5min = ratio(s.Succeeded5min, s.Processed5min)
	s.SuccessRate30min = ratio(s.Succeeded30min, s.Processed30min)
}

func ratio(part, total int64) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(part) / float64(total)
}
