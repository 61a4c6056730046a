// Package model holds the dispatch engine's domain types: pools, subscriptions,
// jobs, dispatch modes and delivery outcomes.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPoolCode is used when a subscription names a pool the registry doesn't know
const DefaultPoolCode = "DEFAULT-POOL"

// DefaultPoolConcurrency is the concurrency of the default pool
const DefaultPoolConcurrency = 20

var (
	// ErrInvalidConcurrency is returned when a pool is configured with concurrency < 1
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")

	// ErrInvalidDispatchMode is returned when a mode string is not recognised
	ErrInvalidDispatchMode = errors.New("invalid dispatch mode")
)

// DispatchMode governs how a message group's jobs interact with failures
type DispatchMode string

const (
	// ModeImmediate runs jobs independently of their message group
	ModeImmediate DispatchMode = "IMMEDIATE"

	// ModeNextOnError keeps group order; a failure warns and advances to the next job
	ModeNextOnError DispatchMode = "NEXT_ON_ERROR"

	// ModeBlockOnError keeps group order; a failure halts the group until resolved
	ModeBlockOnError DispatchMode = "BLOCK_ON_ERROR"
)

// ParseDispatchMode parses a mode name (case-insensitive). An empty string yields "".
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(ModeImmediate):
		return ModeImmediate, nil
	case string(ModeNextOnError):
		return ModeNextOnError, nil
	case string(ModeBlockOnError):
		return ModeBlockOnError, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDispatchMode, s)
	}
}

// IsOrdered reports whether jobs in this mode are sequenced per group
func (m DispatchMode) IsOrdered() bool {
	return m == ModeNextOnError || m == ModeBlockOnError
}

// DispatchPool is a named concurrency and rate scope
type DispatchPool struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// RateLimit is the max dispatches admitted per rolling minute; nil or <= 0 means unlimited
	RateLimit *int `json:"rateLimit,omitempty"`

	// Concurrency is the max simultaneously in-flight dispatches
	Concurrency int `json:"concurrency"`

	ClientID string `json:"clientId,omitempty"`
}

// Validate checks pool invariants
func (p *DispatchPool) Validate() error {
	if p.Code == "" {
		return errors.New("pool code is required")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("pool %s: %w", p.Code, ErrInvalidConcurrency)
	}
	return nil
}

// RateLimitPerMinute returns the effective rate limit, or nil when unlimited
func (p *DispatchPool) RateLimitPerMinute() *int {
	if p.RateLimit == nil || *p.RateLimit <= 0 {
		return nil
	}
	v := *p.RateLimit
	return &v
}

// DefaultPool returns the fallback pool definition
func DefaultPool() DispatchPool {
	return DispatchPool{
		Code:        DefaultPoolCode,
		Name:        "Default pool",
		Concurrency: DefaultPoolConcurrency,
	}
}

// Subscription is a delivery target with its default dispatch policy
type Subscription struct {
	ID               string            `json:"id"`
	Code             string            `json:"code"`
	ClientID         string            `json:"clientId,omitempty"`
	TargetURL        string            `json:"targetUrl"`
	DispatchPoolCode string            `json:"dispatchPoolCode"`
	Mode             DispatchMode      `json:"mode"`
	Timeout          time.Duration     `json:"timeout"`
	AuthToken        string            `json:"-"`
	SigningSecret    string            `json:"-"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// PoolCode returns the pool the subscription dispatches through
func (s *Subscription) PoolCode() string {
	if s.DispatchPoolCode == "" {
		return DefaultPoolCode
	}
	return s.DispatchPoolCode
}

// Receipt settles a job against its source queue
type Receipt interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
}

// DispatchJob is one unit of work awaiting delivery
type DispatchJob struct {
	ID             string
	SubscriptionID string
	GroupKey       string
	Payload        []byte
	ContentType    string
	Headers        map[string]string

	// ModeOverride wins over the subscription default when set
	ModeOverride DispatchMode

	// Mode is the effective mode, fixed when the job is submitted
	Mode DispatchMode

	Subscription *Subscription
	PoolCode     string
	Attempt      int
	ReceivedAt   time.Time

	Receipt Receipt
}

// ResolveMode fixes the effective dispatch mode for the job: a job override wins,
// then the subscription default, then IMMEDIATE.
func (j *DispatchJob) ResolveMode(sub *Subscription) DispatchMode {
	switch {
	case j.ModeOverride != "":
		j.Mode = j.ModeOverride
	case sub != nil && sub.Mode != "":
		j.Mode = sub.Mode
	default:
		j.Mode = ModeImmediate
	}
	return j.Mode
}

// Ordered reports whether the job participates in group sequencing
func (j *DispatchJob) Ordered() bool {
	return j.GroupKey != "" && j.Mode.IsOrdered()
}

// TargetURL returns the job's delivery target
func (j *DispatchJob) TargetURL() string {
	if j.Subscription == nil {
		return ""
	}
	return j.Subscription.TargetURL
}
