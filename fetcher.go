/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package upstreamguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/acronis/go-appkit/httpclient"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-upstreamguard/admission"
	"github.com/acronis/go-upstreamguard/circuitbreaker"
)

// DefaultUserAgent is the User-Agent of the default upstream HTTP client.
const DefaultUserAgent = "go-upstreamguard"

// Result is a settled upstream response. It is shared by all deduplicated
// callers and must be treated as read-only.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Stats is a snapshot of the fetcher state used by health-check callers.
// Producing it never blocks and never mutates the fetcher.
type Stats struct {
	ActiveRequests int
	QueueLength    int
	MaxConcurrent  int
	CacheSize      int
}

// Opts represents options for Fetcher.
// For options that are not presented, the default values will be used.
type Opts struct {
	// HTTPClient is the client used for upstream calls. By default, a client
	// with the request-id and user-agent round trippers is used. Inject a
	// client built with httpclient.New to add retries, client-side rate
	// limiting, logging, or metrics on the transport level.
	HTTPClient *http.Client

	// UserAgent overrides the User-Agent of the default client.
	UserAgent string

	// Logger is used for logging classified upstream outcomes.
	Logger log.FieldLogger

	// Metrics collects guard metrics. Disabled by default.
	Metrics MetricsCollector

	// RetryPolicy, when set, retries transport-level failures of idempotent
	// (GET/HEAD) requests within a single breaker-accounted call.
	RetryPolicy retry.Policy

	// IsFailure overrides the breaker-worthiness predicate.
	// By default, IsBreakerWorthy is used.
	IsFailure circuitbreaker.FailurePredicate
}

// Fetcher is the deduplicating entry point of the guard. For each incoming
// request descriptor it either joins an existing in-flight upstream call
// with the same identity or acquires an admission slot and performs the call
// through the circuit breaker. One Fetcher instance guards one upstream.
// Fetcher is safe for concurrent use.
type Fetcher struct {
	baseURL          string
	client           *http.Client
	queue            *admission.Queue
	breaker          *circuitbreaker.Breaker
	requestTimeout   time.Duration
	queueWaitTimeout time.Duration
	retryPolicy      retry.Policy
	logger           log.FieldLogger
	metrics          MetricsCollector

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// inflightCall is an in-flight or just-settled upstream call shared by all
// callers that presented the same key while it was running.
type inflightCall struct {
	done chan struct{}
	res  *Result
	err  error
}

// New creates a new Fetcher guarding the upstream at baseURL.
func New(baseURL string, cfg *Config) (*Fetcher, error) {
	return NewWithOpts(baseURL, cfg, Opts{})
}

// NewWithOpts creates a new Fetcher guarding the upstream at baseURL with
// the specified options.
func NewWithOpts(baseURL string, cfg *Config, opts Opts) (*Fetcher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL should not be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = admission.DefaultMaxConcurrent
	}
	queue, err := admission.NewQueue(maxConcurrent, cfg.MaxQueueLength)
	if err != nil {
		return nil, fmt.Errorf("create admission queue: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	isFailure := opts.IsFailure
	if isFailure == nil {
		isFailure = IsBreakerWorthy
	}
	breaker := circuitbreaker.New(circuitbreaker.Opts{
		FailureThreshold:         cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:             cfg.CircuitBreaker.ResetTimeout,
		HalfOpenMaxRequests:      cfg.CircuitBreaker.HalfOpenMaxRequests,
		HalfOpenSuccessesToClose: cfg.CircuitBreaker.HalfOpenSuccessesToClose,
		IsFailure:                isFailure,
	})

	if opts.HTTPClient == nil {
		userAgent := opts.UserAgent
		if userAgent == "" {
			userAgent = DefaultUserAgent
		}
		var transport http.RoundTripper = http.DefaultTransport
		transport = httpclient.NewRequestIDRoundTripper(transport)
		transport = httpclient.NewUserAgentRoundTripper(transport, userAgent)
		opts.HTTPClient = &http.Client{Transport: transport}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}

	return &Fetcher{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		client:           opts.HTTPClient,
		queue:            queue,
		breaker:          breaker,
		requestTimeout:   requestTimeout,
		queueWaitTimeout: cfg.QueueWaitTimeout,
		retryPolicy:      opts.RetryPolicy,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		inflight:         make(map[string]*inflightCall),
	}, nil
}

// MustNewWithOpts is a version of NewWithOpts that panics on error.
func MustNewWithOpts(baseURL string, cfg *Config, opts Opts) *Fetcher {
	f, err := NewWithOpts(baseURL, cfg, opts)
	if err != nil {
		panic(err)
	}
	return f
}

// Fetch resolves the descriptor against the upstream, collapsing concurrent
// identical requests into one upstream call whose outcome every caller
// observes. Successes and failures are both forgotten as soon as the call
// settles, so the next call with the same key always attempts fresh
// admission.
//
// ctx bounds only this caller's wait: when it ends, the caller gets
// ctx.Err() while the shared upstream call keeps running for the remaining
// callers. The upstream call itself is canceled solely by the configured
// request timeout.
//
// Errors are classified: admission.QueueFullError (backpressure, retryable
// after backoff), circuitbreaker.OpenError (upstream presumed unhealthy,
// retryable after TimeUntilReset), RateLimitedError (upstream 429, passed
// through), UpstreamTimeoutError, UpstreamStatusError, UpstreamFetchError.
func (f *Fetcher) Fetch(ctx context.Context, desc RequestDescriptor) (*Result, error) {
	key := desc.Key()

	f.mu.Lock()
	if c, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		f.metrics.DedupHit()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &inflightCall{done: make(chan struct{})}
	f.inflight[key] = c
	f.mu.Unlock()

	c.res, c.err = f.doFetch(desc)

	// Evict before publishing the outcome so a subsequent call with this key
	// can never observe a settled entry and replay a stale rejection.
	f.mu.Lock()
	if f.inflight[key] == c {
		delete(f.inflight, key)
	}
	f.mu.Unlock()
	close(c.done)

	return c.res, c.err
}

// Stats returns a snapshot of the current fetcher state.
func (f *Fetcher) Stats() Stats {
	queueStats := f.queue.Stats()
	f.mu.Lock()
	cacheSize := len(f.inflight)
	f.mu.Unlock()
	return Stats{
		ActiveRequests: queueStats.ActiveCount,
		QueueLength:    queueStats.QueueLength,
		MaxConcurrent:  queueStats.MaxConcurrent,
		CacheSize:      cacheSize,
	}
}

// BreakerStatus returns a snapshot of the circuit breaker state.
func (f *Fetcher) BreakerStatus() circuitbreaker.Status {
	return f.breaker.Status()
}

// doFetch performs one deduplicated unit of work: admission, breaker-guarded
// upstream call, outcome logging. The admission slot is released on every
// path.
func (f *Fetcher) doFetch(desc RequestDescriptor) (*Result, error) {
	acquireCtx := context.Background()
	if f.queueWaitTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(acquireCtx, f.queueWaitTimeout)
		defer cancel()
	}
	release, err := f.queue.Acquire(acquireCtx)
	if err != nil {
		var queueFullErr *admission.QueueFullError
		if errors.As(err, &queueFullErr) {
			f.metrics.QueueReject(queueFullErr.Backlogged)
			f.logger.Warn("admission queue rejected upstream request",
				log.String("method", desc.Method),
				log.String("path", desc.Path),
				log.Bool("backlogged", queueFullErr.Backlogged),
				log.Int("queue_length", f.queue.Stats().QueueLength),
			)
		}
		return nil, err
	}
	defer release()

	var res *Result
	execErr := f.breaker.Execute(func() error {
		r, callErr := f.callUpstream(desc)
		res = r
		return callErr
	})
	f.metrics.ObserveBreakerState(f.breaker.Status().State)
	if execErr != nil {
		f.logOutcome(desc, execErr)
		return nil, execErr
	}
	return res, nil
}

// callUpstream performs the upstream HTTP call, retrying transport-level
// failures of idempotent requests when a retry policy is configured. All
// attempts count as a single call toward breaker statistics.
func (f *Fetcher) callUpstream(desc RequestDescriptor) (*Result, error) {
	if f.retryPolicy == nil || !isIdempotentMethod(desc.Method) {
		return f.callUpstreamOnce(desc)
	}

	var res *Result
	var callErr error
	isTransient := func(err error) bool {
		var fetchErr *UpstreamFetchError
		return errors.As(err, &fetchErr)
	}
	_ = retry.DoWithRetry(context.Background(), f.retryPolicy, isTransient, nil, func(ctx context.Context) error {
		res, callErr = f.callUpstreamOnce(desc)
		return callErr
	})
	return res, callErr
}

func (f *Fetcher) callUpstreamOnce(desc RequestDescriptor) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.requestTimeout)
	defer cancel()

	reqURL := f.baseURL + "/" + strings.TrimPrefix(desc.Path, "/")
	var bodyReader io.Reader
	if len(desc.Body) > 0 {
		bodyReader = bytes.NewReader(desc.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(desc.Method), reqURL, bodyReader)
	if err != nil {
		return nil, &UpstreamFetchError{Inner: err}
	}
	if desc.CallerIdentity != "" {
		req.Header.Set("Authorization", "Bearer "+desc.CallerIdentity)
	}
	if len(desc.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransportError(ctx, err, start)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.classifyTransportError(ctx, err, start)
	}
	elapsed := time.Since(start)

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		f.metrics.ObserveUpstreamCall(MetricsResultOK, elapsed)
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		f.metrics.ObserveUpstreamCall(MetricsResultRateLimited, elapsed)
		return nil, &RateLimitedError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Header:      pickRateLimitHeaders(resp.Header),
			Body:        body,
		}
	default:
		f.metrics.ObserveUpstreamCall(MetricsResultHTTPError, elapsed)
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: body}
	}
}

func (f *Fetcher) classifyTransportError(ctx context.Context, err error, start time.Time) error {
	elapsed := time.Since(start)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f.metrics.ObserveUpstreamCall(MetricsResultTimeout, elapsed)
		return &UpstreamTimeoutError{Timeout: f.requestTimeout, Inner: err}
	}
	f.metrics.ObserveUpstreamCall(MetricsResultFetchError, elapsed)
	return &UpstreamFetchError{Inner: err}
}

// logOutcome logs a classified failure with severity matching its
// operational meaning: upstream rate limiting is expected behavior (warn),
// everything else signals trouble (error).
func (f *Fetcher) logOutcome(desc RequestDescriptor, err error) {
	fields := []log.Field{
		log.String("method", desc.Method),
		log.String("path", desc.Path),
	}
	var openErr *circuitbreaker.OpenError
	var rateLimitedErr *RateLimitedError
	var timeoutErr *UpstreamTimeoutError
	var statusErr *UpstreamStatusError
	switch {
	case errors.As(err, &openErr):
		f.metrics.BreakerReject()
		f.logger.Error("circuit breaker is open, upstream request rejected",
			append(fields, log.Duration("time_until_reset", openErr.TimeUntilReset))...)
	case errors.As(err, &rateLimitedErr):
		f.logger.Warn("upstream rate limited request",
			append(fields, log.Int("status_code", rateLimitedErr.StatusCode))...)
	case errors.As(err, &timeoutErr):
		f.logger.Error("upstream request timed out",
			append(fields, log.Duration("timeout", timeoutErr.Timeout))...)
	case errors.As(err, &statusErr):
		f.logger.Error("upstream responded with error status",
			append(fields, log.Int("status_code", statusErr.StatusCode),
				log.String("response_body", string(statusErr.Body)))...)
	default:
		f.logger.Error("upstream fetch failed", append(fields, log.Error(err))...)
	}
}

func isIdempotentMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}
