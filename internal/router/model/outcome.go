package model

import (
	"strconv"
	"time"
)

// Result classifies a dispatch attempt
type Result string

const (
	ResultSuccess          Result = "SUCCESS"
	ResultRetryableFailure Result = "RETRYABLE_FAILURE"
	ResultPermanentFailure Result = "PERMANENT_FAILURE"
)

// Failure kinds, used as metric labels and in warning text
const (
	KindNone         = ""
	KindServerError  = "server_error"
	KindClientError  = "client_error"
	KindRateLimited  = "rate_limited"
	KindNotAcked     = "not_acked"
	KindTimeout      = "timeout"
	KindConnection   = "connection"
	KindCircuitOpen  = "circuit_open"
	KindConfig       = "config"
	KindShutdown     = "shutdown"
	KindUnexpected   = "unexpected"
	KindUnresolvable = "unresolvable"
)

// Outcome is the result of one dispatch attempt
type Outcome struct {
	Result     Result
	Kind       string
	StatusCode int

	// Delay is the redelivery delay requested by the target or policy
	Delay    time.Duration
	Err      error
	Duration time.Duration
}

// Succeeded returns a success outcome
func Succeeded(statusCode int) Outcome {
	return Outcome{Result: ResultSuccess, StatusCode: statusCode}
}

// Retryable returns a retryable failure outcome
func Retryable(kind string, err error, delay time.Duration) Outcome {
	return Outcome{Result: ResultRetryableFailure, Kind: kind, Err: err, Delay: delay}
}

// Permanent returns a permanent failure outcome
func Permanent(kind string, err error) Outcome {
	return Outcome{Result: ResultPermanentFailure, Kind: kind, Err: err}
}

// IsSuccess reports whether the attempt delivered the job
func (o Outcome) IsSuccess() bool {
	return o.Result == ResultSuccess
}

// IsPermanent reports whether retrying is pointless
func (o Outcome) IsPermanent() bool {
	return o.Result == ResultPermanentFailure
}

// Describe renders the outcome for logs and warnings
func (o Outcome) Describe() string {
	s := string(o.Result)
	if o.Kind != "" {
		s += " (" + o.Kind + ")"
	}
	if o.StatusCode != 0 {
		s += " status=" + strconv.Itoa(o.StatusCode)
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}
