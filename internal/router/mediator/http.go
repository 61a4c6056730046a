// Package mediator delivers dispatch jobs to their HTTP targets.
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// maxResponseBody bounds how much of a target response is read
const maxResponseBody = 64 * 1024

// Mediator performs a single delivery attempt
type Mediator interface {
	Dispatch(ctx context.Context, job *model.DispatchJob) model.Outcome
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// Config configures the HTTP mediator
type Config struct {
	// Timeout applies when the subscription doesn't set one
	Timeout time.Duration

	HTTPVersion HTTPVersion

	// ServerErrorDelay is the redelivery delay after a 5xx
	ServerErrorDelay time.Duration

	// RateLimitedDelay applies to a 429 without a usable Retry-After
	RateLimitedDelay time.Duration

	// CircuitOpenDelay is the redelivery delay when the target's breaker is open
	CircuitOpenDelay time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		HTTPVersion:      HTTPVersion2,
		ServerErrorDelay: 30 * time.Second,
		RateLimitedDelay: 30 * time.Second,
		CircuitOpenDelay: 5 * time.Second,
	}
}

// HTTPMediator posts job payloads to subscription targets
type HTTPMediator struct {
	client   *http.Client
	cfg      Config
	breakers *breaker.Registry
	signer   *Signer
}

// NewHTTPMediator creates a mediator. breakers may be nil to disable circuit breaking.
func NewHTTPMediator(cfg Config, breakers *breaker.Registry) *HTTPMediator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ServerErrorDelay <= 0 {
		cfg.ServerErrorDelay = def.ServerErrorDelay
	}
	if cfg.RateLimitedDelay <= 0 {
		cfg.RateLimitedDelay = def.RateLimitedDelay
	}
	if cfg.CircuitOpenDelay <= 0 {
		cfg.CircuitOpenDelay = def.CircuitOpenDelay
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1", "timeout", cfg.Timeout)
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2", "timeout", cfg.Timeout)
	}

	return &HTTPMediator{
		// Per-request deadlines come from the context
		client:   &http.Client{Transport: transport},
		cfg:      cfg,
		breakers: breakers,
		signer:   NewSigner(),
	}
}

// Dispatch performs one delivery attempt. It never retries.
func (m *HTTPMediator) Dispatch(ctx context.Context, job *model.DispatchJob) model.Outcome {
	start := time.Now()
	outcome := m.dispatch(ctx, job)
	outcome.Duration = time.Since(start)
	return outcome
}

func (m *HTTPMediator) dispatch(ctx context.Context, job *model.DispatchJob) model.Outcome {
	sub := job.Subscription
	if sub == nil {
		return model.Permanent(model.KindConfig, errors.New("job has no subscription"))
	}
	target := sub.TargetURL
	if err := validateTarget(target); err != nil {
		return model.Permanent(model.KindConfig, err)
	}

	body, err := requestBody(job)
	if err != nil {
		return model.Permanent(model.KindConfig, err)
	}

	done := breaker.Done(func(bool) {})
	if m.breakers != nil {
		done, err = m.breakers.Allow(target)
		if err != nil {
			slog.Debug("Circuit breaker open", "messageId", job.ID, "target", target)
			return model.Retryable(model.KindCircuitOpen, err, m.cfg.CircuitOpenDelay)
		}
	}

	timeout := m.cfg.Timeout
	if sub.Timeout > 0 {
		timeout = sub.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		done(true)
		return model.Permanent(model.KindConfig, fmt.Errorf("build request: %w", err))
	}
	m.setHeaders(req, job, body)

	slog.Debug("Executing HTTP request", "messageId", job.ID, "target", target, "attempt", job.Attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	metrics.MediatorHTTPDuration.WithLabelValues(target).Observe(time.Since(startTime).Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", http.MethodPost).Inc()
		outcome := classifyError(ctx, err)
		// Cancellation by the caller says nothing about the target
		done(outcome.Kind == model.KindShutdown)
		slog.Warn("HTTP request failed",
			"messageId", job.ID,
			"target", target,
			"kind", outcome.Kind,
			"error", err)
		return outcome
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	outcome, healthy := m.classifyResponse(resp, respBody)
	done(healthy)

	slog.Debug("HTTP response received",
		"messageId", job.ID,
		"statusCode", resp.StatusCode,
		"result", outcome.Result,
		"bodyLen", len(respBody))
	return outcome
}

func (m *HTTPMediator) setHeaders(req *http.Request, job *model.DispatchJob, body []byte) {
	sub := job.Subscription

	contentType := job.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	if sub.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+sub.AuthToken)
	}
	if sub.SigningSecret != "" {
		signature, timestamp := m.signer.Sign(body, sub.SigningSecret)
		req.Header.Set(SignatureHeader, signature)
		req.Header.Set(TimestampHeader, timestamp)
	}
}

// classifyResponse maps an HTTP response to an outcome and reports whether
// the target should count as healthy for its circuit breaker.
func (m *HTTPMediator) classifyResponse(resp *http.Response, body []byte) (model.Outcome, bool) {
	code := resp.StatusCode

	switch {
	case code >= 200 && code < 300:
		var tr model.TargetResponse
		if len(body) > 0 && sonic.Unmarshal(body, &tr) == nil && tr.Declined() {
			o := model.Retryable(model.KindNotAcked, errors.New("target returned ack=false"), tr.EffectiveDelay())
			o.StatusCode = code
			return o, true
		}
		return model.Succeeded(code), true

	case code == http.StatusRequestTimeout:
		o := model.Retryable(model.KindTimeout, fmt.Errorf("HTTP %d: request timeout", code), 0)
		o.StatusCode = code
		return o, true

	case code == http.StatusTooManyRequests:
		delay := retryAfter(resp.Header.Get("Retry-After"), m.cfg.RateLimitedDelay)
		o := model.Retryable(model.KindRateLimited, fmt.Errorf("HTTP %d: too many requests", code), delay)
		o.StatusCode = code
		return o, true

	case code == http.StatusNotImplemented:
		o := model.Permanent(model.KindConfig, fmt.Errorf("HTTP %d: not implemented", code))
		o.StatusCode = code
		return o, true

	case code >= 400 && code < 500:
		o := model.Permanent(model.KindClientError, fmt.Errorf("HTTP %d: %s", code, http.StatusText(code)))
		o.StatusCode = code
		return o, true

	case code >= 500:
		o := model.Retryable(model.KindServerError, fmt.Errorf("HTTP %d: %s", code, http.StatusText(code)), m.cfg.ServerErrorDelay)
		o.StatusCode = code
		return o, false

	default:
		o := model.Retryable(model.KindUnexpected, fmt.Errorf("HTTP %d: unexpected status", code), m.cfg.ServerErrorDelay)
		o.StatusCode = code
		return o, false
	}
}

func classifyError(ctx context.Context, err error) model.Outcome {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return model.Retryable(model.KindShutdown, err, 0)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Retryable(model.KindTimeout, err, 0)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.Retryable(model.KindTimeout, err, 0)
	}
	return model.Retryable(model.KindConnection, err, 0)
}

func validateTarget(target string) error {
	if target == "" {
		return errors.New("no target URL")
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("malformed target URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed target URL %q", target)
	}
	return nil
}

// requestBody is the job payload, or {"messageId":"<id>"} when the job carries none
func requestBody(job *model.DispatchJob) ([]byte, error) {
	if len(job.Payload) > 0 {
		return job.Payload, nil
	}
	return sonic.Marshal(map[string]string{"messageId": job.ID})
}

// retryAfter parses a Retry-After header (seconds or HTTP date)
func retryAfter(header string, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return fallback
	}
	var d time.Duration
	if secs, err := strconv.Atoi(header); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		d = time.Until(at)
	} else {
		return fallback
	}
	if d <= 0 {
		return fallback
	}
	if limit := model.MaxDelaySeconds * time.Second; d > limit {
		return limit
	}
	return d
}
