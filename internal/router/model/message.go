package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// DispatchMessage is the queue wire format of a dispatch job
type DispatchMessage struct {
	JobID          string            `json:"jobId"`
	SubscriptionID string            `json:"subscriptionId"`
	MessageGroup   string            `json:"messageGroup,omitempty"`
	DispatchMode   string            `json:"dispatchMode,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"contentType,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	AttemptNumber  int               `json:"attemptNumber,omitempty"`
}

// Encode encodes the dispatch message to JSON
func (m *DispatchMessage) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}

// DecodeDispatchMessage decodes a dispatch message from JSON
func DecodeDispatchMessage(data []byte) (*DispatchMessage, error) {
	var msg DispatchMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode dispatch message: %w", err)
	}
	if msg.JobID == "" {
		return nil, errors.New("decode dispatch message: jobId is required")
	}
	if msg.SubscriptionID == "" {
		return nil, errors.New("decode dispatch message: subscriptionId is required")
	}
	return &msg, nil
}

// ToJob converts the wire message into an unresolved job
func (m *DispatchMessage) ToJob() (*DispatchJob, error) {
	mode, err := ParseDispatchMode(m.DispatchMode)
	if err != nil {
		return nil, err
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return &DispatchJob{
		ID:             m.JobID,
		SubscriptionID: m.SubscriptionID,
		GroupKey:       m.MessageGroup,
		Payload:        []byte(m.Payload),
		ContentType:    contentType,
		Headers:        m.Headers,
		ModeOverride:   mode,
		Attempt:        m.AttemptNumber,
		ReceivedAt:     time.Now(),
	}, nil
}

// NewDispatchMessage builds the wire form of a job
func NewDispatchMessage(job *DispatchJob) *DispatchMessage {
	return &DispatchMessage{
		JobID:          job.ID,
		SubscriptionID: job.SubscriptionID,
		MessageGroup:   job.GroupKey,
		DispatchMode:   string(job.ModeOverride),
		Payload:        string(job.Payload),
		ContentType:    job.ContentType,
		Headers:        job.Headers,
		AttemptNumber:  job.Attempt,
	}
}
