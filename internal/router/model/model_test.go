package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDispatchMode(t *testing.T) {
	cases := map[string]DispatchMode{
		"":                "",
		"immediate":       ModeImmediate,
		"NEXT_ON_ERROR":   ModeNextOnError,
		" block_on_error": ModeBlockOnError,
	}
	for in, want := range cases {
		got, err := ParseDispatchMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDispatchMode("FIFO")
	assert.True(t, errors.Is(err, ErrInvalidDispatchMode))
}

func TestDispatchJob_ResolveMode(t *testing.T) {
	sub := &Subscription{Mode: ModeNextOnError}

	job := &DispatchJob{ModeOverride: ModeBlockOnError}
	assert.Equal(t, ModeBlockOnError, job.ResolveMode(sub), "job override wins")

	job = &DispatchJob{}
	assert.Equal(t, ModeNextOnError, job.ResolveMode(sub), "inherits subscription default")

	job = &DispatchJob{}
	assert.Equal(t, ModeImmediate, job.ResolveMode(&Subscription{}))
	assert.Equal(t, ModeImmediate, (&DispatchJob{}).ResolveMode(nil))
}

func TestDispatchJob_Ordered(t *testing.T) {
	job := &DispatchJob{GroupKey: "order-1", Mode: ModeBlockOnError}
	assert.True(t, job.Ordered())

	job.Mode = ModeImmediate
	assert.False(t, job.Ordered(), "IMMEDIATE ignores the group")

	job = &DispatchJob{Mode: ModeNextOnError}
	assert.False(t, job.Ordered(), "no group key means no ordering")
}

func TestDispatchPool_Validate(t *testing.T) {
	p := DispatchPool{Code: "p1", Concurrency: 0}
	assert.ErrorIs(t, p.Validate(), ErrInvalidConcurrency)

	p.Concurrency = 1
	assert.NoError(t, p.Validate())

	p.Code = ""
	assert.Error(t, p.Validate())
}

func TestDispatchPool_RateLimitPerMinute(t *testing.T) {
	zero, sixty := 0, 60
	assert.Nil(t, (&DispatchPool{}).RateLimitPerMinute())
	assert.Nil(t, (&DispatchPool{RateLimit: &zero}).RateLimitPerMinute())
	got := (&DispatchPool{RateLimit: &sixty}).RateLimitPerMinute()
	require.NotNil(t, got)
	assert.Equal(t, 60, *got)
}

func TestSubscription_PoolCode(t *testing.T) {
	assert.Equal(t, DefaultPoolCode, (&Subscription{}).PoolCode())
	assert.Equal(t, "fast", (&Subscription{DispatchPoolCode: "fast"}).PoolCode())
}

func TestDecodeDispatchMessage(t *testing.T) {
	data := []byte(`{"jobId":"j1","subscriptionId":"s1","messageGroup":"g","dispatchMode":"block_on_error","payload":"{\"a\":1}"}`)
	msg, err := DecodeDispatchMessage(data)
	require.NoError(t, err)

	job, err := msg.ToJob()
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "s1", job.SubscriptionID)
	assert.Equal(t, "g", job.GroupKey)
	assert.Equal(t, ModeBlockOnError, job.ModeOverride)
	assert.Equal(t, `{"a":1}`, string(job.Payload))
	assert.Equal(t, "application/json", job.ContentType)
}

func TestDecodeDispatchMessage_Invalid(t *testing.T) {
	_, err := DecodeDispatchMessage([]byte("{ invalid json }"))
	assert.Error(t, err)

	_, err = DecodeDispatchMessage([]byte(`{"subscriptionId":"s1"}`))
	assert.Error(t, err, "jobId required")

	_, err = DecodeDispatchMessage([]byte(`{"jobId":"j1"}`))
	assert.Error(t, err, "subscriptionId required")

	msg, err := DecodeDispatchMessage([]byte(`{"jobId":"j1","subscriptionId":"s1","dispatchMode":"sideways"}`))
	require.NoError(t, err)
	_, err = msg.ToJob()
	assert.ErrorIs(t, err, ErrInvalidDispatchMode)
}

func TestOutcome_Describe(t *testing.T) {
	o := Retryable(KindServerError, errors.New("boom"), 0)
	o.StatusCode = 503
	assert.Equal(t, "RETRYABLE_FAILURE (server_error) status=503: boom", o.Describe())
	assert.False(t, o.IsSuccess())
	assert.False(t, o.IsPermanent())

	assert.True(t, Succeeded(200).IsSuccess())
	assert.True(t, Permanent(KindClientError, nil).IsPermanent())
}

func TestTargetResponse_EffectiveDelay(t *testing.T) {
	neg, small, huge := -5, 7, 100000
	assert.Equal(t, 5*time.Second, (&TargetResponse{}).EffectiveDelay())
	assert.Equal(t, 5*time.Second, (&TargetResponse{DelaySeconds: &neg}).EffectiveDelay())
	assert.Equal(t, 7*time.Second, (&TargetResponse{DelaySeconds: &small}).EffectiveDelay())
	assert.Equal(t, MaxDelaySeconds*time.Second, (&TargetResponse{DelaySeconds: &huge}).EffectiveDelay())
}

func TestTargetResponse_Declined(t *testing.T) {
	yes, no := true, false
	assert.False(t, (&TargetResponse{}).Declined())
	assert.False(t, (&TargetResponse{Ack: &yes}).Declined())
	assert.True(t, (&TargetResponse{Ack: &no}).Declined())
}
