package pool

import (
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

func TestTracker_RollingWindows(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker()
	tr.now = func() time.Time { return now }

	// 40 minutes ago: outside both windows once time moves on
	ok := model.Succeeded(200)
	ok.Duration = 100 * time.Millisecond
	tr.recordOutcome(ok)

	now = now.Add(25 * time.Minute)
	failed := model.Retryable(model.KindServerError, nil, 0)
	failed.Duration = 300 * time.Millisecond
	tr.recordOutcome(failed)

	now = now.Add(15 * time.Minute)
	tr.recordOutcome(model.Permanent(model.KindClientError, nil))
	tr.recordRateLimited()
	tr.recordRejected()

	var s Stats
	tr.fill(&s)

	if s.TotalProcessed != 3 {
		t.Errorf("Expected 3 processed, got %d", s.TotalProcessed)
	}
	if s.TotalSucceeded != 1 || s.TotalRetryable != 1 || s.TotalPermanent != 1 {
		t.Errorf("Unexpected totals: %+v", s)
	}
	if s.AverageProcessingTimeMs != 400.0/3 {
		t.Errorf("Expected avg %f, got %f", 400.0/3, s.AverageProcessingTimeMs)
	}
	if s.Processed30min != 2 {
		t.Errorf("Expected 2 in 30min window, got %d", s.Processed30min)
	}
	if s.Processed5min != 1 || s.Succeeded5min != 0 || s.SuccessRate5min != 0 {
		t.Errorf("Unexpected 5min window: processed=%d succeeded=%d rate=%f",
			s.Processed5min, s.Succeeded5min, s.SuccessRate5min)
	}
	if s.TotalRateLimited != 1 || s.TotalRejected != 1 {
		t.Errorf("Expected one rate-limited and one rejected, got %d/%d", s.TotalRateLimited, s.TotalRejected)
	}
	if s.LastActivity == nil || !s.LastActivity.Equal(now) {
		t.Errorf("Expected last activity %v, got %v", now, s.LastActivity)
	}
}

func TestTracker_EmptyRatesDefaultToOne(t *testing.T) {
	var s Stats
	newTracker().fill(&s)

	if s.SuccessRate != 1.0 || s.SuccessRate5min != 1.0 || s.SuccessRate30min != 1.0 {
		t.Errorf("Expected success rates of 1.0 with no traffic, got %+v", s)
	}
	if s.LastActivity != nil {
		t.Error("Expected no last activity")
	}
}
