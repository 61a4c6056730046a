package model

import "time"

// Redelivery delay bounds accepted from targets
const (
	// MaxDelaySeconds is the largest delay a target may request (12 hours)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds applies when a target declines a job without naming a delay
	DefaultDelaySeconds = 5
)

// TargetResponse is the optional JSON body a target returns with a 2xx.
//
// ack=false means the target accepted the request but is not ready for the
// job yet; the job is redelivered after DelaySeconds.
type TargetResponse struct {
	Ack          *bool  `json:"ack,omitempty"`
	Message      string `json:"message,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
}

// Declined reports whether the target explicitly refused the job
func (r *TargetResponse) Declined() bool {
	return r.Ack != nil && !*r.Ack
}

// EffectiveDelay returns the requested delay clamped to [1s, MaxDelaySeconds]
func (r *TargetResponse) EffectiveDelay() time.Duration {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds * time.Second
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds * time.Second
	}
	return time.Duration(*r.DelaySeconds) * time.Second
}
