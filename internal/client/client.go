package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/develogon/contentpipe/internal/ratelimiter"
	"github.com/develogon/contentpipe/internal/retry"
	"github.com/develogon/contentpipe/internal/telemetry"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker has tripped for a
// service and is refusing calls.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Stats is the per-client request accounting exposed for telemetry.
type Stats struct {
	RequestsMade    int64
	RequestsFailed  int64
	TotalTime       time.Duration
	LastRequestTime time.Time
	AverageTime     time.Duration
	FailureRate     float64
}

// Config configures a Base ServiceClient instance.
type Config struct {
	ServiceName       string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	RetryPolicy       retry.Policy
	Headers           func() map[string]string
}

// Base implements the ServiceClient contract shared by every
// specialization: header injection, rate-limit admission, circuit
// breaking, retry with backoff, and per-client statistics.
type Base struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimiter.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu    sync.Mutex
	stats Stats
}

// NewBase constructs a Base ServiceClient. logger/metrics may be nil, in
// which case a noop implementation is used.
func NewBase(cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) *Base {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ServiceName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !Retryable(err)
		},
	})
	return &Base{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimiter.New(cfg.ServiceName, cfg.RequestsPerMinute),
		breaker: breaker,
		logger:  logger.With("service", cfg.ServiceName),
		metrics: metrics,
	}
}

// Response is the normalized result of an outbound call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do issues method/url with body, applying rate limiting, circuit
// breaking, header injection, and retry-with-backoff on transient
// failures. It returns a typed *Error on a response with status 400 or
// above, or on transport failure.
func (b *Base) Do(ctx context.Context, method, url string, body []byte, extraHeaders map[string]string) (*Response, error) {
	var resp *Response
	err := retry.Do(ctx, b.cfg.RetryPolicy, Retryable, func(ctx context.Context, attempt int) error {
		r, err := b.attempt(ctx, method, url, body, extraHeaders)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (b *Base) attempt(ctx context.Context, method, url string, body []byte, extraHeaders map[string]string) (*Response, error) {
	if err := b.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer b.limiter.Release()

	start := time.Now()
	result, err := b.breaker.Execute(func() (any, error) {
		return b.doRequest(ctx, method, url, body, extraHeaders)
	})
	duration := time.Since(start)
	b.recordStats(duration, err == nil)
	b.metrics.ObserveLatency("client_request_duration_seconds", duration.Seconds(), "service", b.cfg.ServiceName)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (b *Base) doRequest(ctx context.Context, method, url string, body []byte, extraHeaders map[string]string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, NewValidation(b.cfg.ServiceName, method, err.Error())
	}

	if b.cfg.Headers != nil {
		for k, v := range b.cfg.Headers() {
			req.Header.Set(k, v)
		}
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	b.logger.Debug("making request", "method", method, "url", url)

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, NewTransient(b.cfg.ServiceName, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransient(b.cfg.ServiceName, method, err)
	}

	if resp.StatusCode >= 400 {
		return nil, NewFromStatus(b.cfg.ServiceName, method, resp.StatusCode, string(data), resp.Header.Get("X-Request-Id"))
	}

	return &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

func (b *Base) recordStats(d time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.RequestsMade++
	b.stats.TotalTime += d
	b.stats.LastRequestTime = time.Now()
	if !success {
		b.stats.RequestsFailed++
	}
}

// Stats returns a snapshot of cumulative request statistics, including
// derived average latency and failure rate.
func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	if s.RequestsMade > 0 {
		s.AverageTime = s.TotalTime / time.Duration(s.RequestsMade)
		s.FailureRate = float64(s.RequestsFailed) / float64(s.RequestsMade)
	}
	return s
}

// HealthCheck issues a lightweight GET against path and reports whether
// the service responded without error.
func (b *Base) HealthCheck(ctx context.Context, path string) bool {
	_, err := b.Do(ctx, http.MethodGet, fmt.Sprintf("%s%s", b.cfg.BaseURL, path), nil, nil)
	return err == nil
}

// Transport wraps inner (http.DefaultTransport when nil) so that every
// request issued through the returned RoundTripper passes through the
// base's pipeline: rate-limit admission, circuit breaker, retry with
// backoff, and per-client statistics. This is how SDK-owned clients
// (Anthropic, OpenAI, AWS, Slack) are routed through the shared base:
// the SDK keeps its own request/response shapes while the base owns the
// outbound call policy.
func (b *Base) Transport(inner http.RoundTripper) http.RoundTripper {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &baseTransport{base: b, inner: inner}
}

// HTTPClient returns an *http.Client backed by Transport, ready to hand
// to an SDK constructor.
func (b *Base) HTTPClient() *http.Client {
	return &http.Client{Transport: b.Transport(nil), Timeout: b.cfg.Timeout}
}

type baseTransport struct {
	base  *Base
	inner http.RoundTripper
}

func (t *baseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	policy := t.base.cfg.RetryPolicy
	if req.Body != nil && req.GetBody == nil {
		// The body cannot be replayed; a retry would resend a drained
		// reader, so this request gets exactly one attempt.
		policy.MaxRetries = 0
	}

	if t.base.cfg.Headers != nil {
		for k, v := range t.base.cfg.Headers() {
			if req.Header.Get(k) == "" {
				req.Header.Set(k, v)
			}
		}
	}

	var resp *http.Response
	err := retry.Do(req.Context(), policy, Retryable, func(ctx context.Context, attempt int) error {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return NewValidation(t.base.cfg.ServiceName, req.Method, err.Error())
			}
			req.Body = body
		}
		r, err := t.base.roundTripOnce(t.inner, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// roundTripOnce performs one admission-gated, breaker-guarded attempt.
// Retryable statuses (429, 5xx) are converted to typed errors so the
// outer retry loop re-attempts them; the response body is closed before
// the error is returned.
func (b *Base) roundTripOnce(inner http.RoundTripper, req *http.Request) (*http.Response, error) {
	if err := b.limiter.Acquire(req.Context()); err != nil {
		return nil, err
	}
	defer b.limiter.Release()

	start := time.Now()
	var resp *http.Response
	_, err := b.breaker.Execute(func() (any, error) {
		r, err := inner.RoundTrip(req)
		if err != nil {
			return nil, NewTransient(b.cfg.ServiceName, req.Method, err)
		}
		resp = r
		if r.StatusCode == 429 || r.StatusCode >= 500 {
			return nil, NewFromStatus(b.cfg.ServiceName, req.Method, r.StatusCode, "", r.Header.Get("X-Request-Id"))
		}
		return r, nil
	})
	duration := time.Since(start)
	b.recordStats(duration, err == nil)
	b.metrics.ObserveLatency("client_request_duration_seconds", duration.Seconds(), "service", b.cfg.ServiceName)

	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return resp, nil
}
