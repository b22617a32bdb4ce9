/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpproxy exposes the guard's external HTTP surface: a proxy
// handler that resolves incoming requests through an upstreamguard.Fetcher
// and a health-check handler reporting the guard's condition.
//
// The handler expects its callers (router, middleware) to have done origin,
// CSRF, and path validation already; it only extracts the request
// descriptor, invokes the fetcher, and maps classified outcomes to HTTP
// responses.
package httpproxy

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"

	upstreamguard "github.com/acronis/go-upstreamguard"
	"github.com/acronis/go-upstreamguard/admission"
	"github.com/acronis/go-upstreamguard/circuitbreaker"
)

// StatusClientClosedRequest is a special HTTP status code used by Nginx to
// show that the client closed the request before the server could send a
// response.
const StatusClientClosedRequest = 499

// Error codes used in response bodies.
// We are using "var" here because some services may want to use different error codes.
var (
	ErrCodeRequestQueueFull    = "requestQueueFull"
	ErrCodeCircuitBreakerOpen  = "circuitBreakerOpen"
	ErrCodeUpstreamTimeout     = "upstreamTimeout"
	ErrCodeUpstreamFetchFailed = "upstreamFetchFailed"
	ErrCodeUpstreamError       = "upstreamError"
	ErrCodeInvalidRequestBody  = "invalidRequestBody"
)

// Error messages used in response bodies.
// We are using "var" here because some services may want to use different error messages.
var (
	ErrMessageRequestQueueFull    = "Request queue is full"
	ErrMessageServiceUnavailable  = "Service unavailable"
	ErrMessageUpstreamTimeout     = "Upstream timed out"
	ErrMessageUpstreamFetchFailed = "Upstream fetch failed"
	ErrMessageUpstreamSanitized   = "Upstream request failed"
	ErrMessageInvalidRequestBody  = "Invalid request body"
)

// Opts represents options for Handler.
type Opts struct {
	// PathPrefix is stripped from the request path before it is forwarded to
	// the upstream (e.g. "/api/proxy").
	PathPrefix string

	// QueueFullRetryAfter, when positive, is sent as the Retry-After header on
	// queue-full rejections to hint clients when to come back.
	QueueFullRetryAfter time.Duration

	// ExposeUpstreamErrors propagates the bodies of generic upstream errors
	// to clients verbatim. Keep it disabled in production: upstream error
	// bodies may leak upstream internals. 429 bodies are always passed
	// through, they carry actionable rate-limit info for the client.
	ExposeUpstreamErrors bool

	// MaxRequestBodyBytes bounds the size of the buffered request body.
	// By default, DefaultMaxRequestBodyBytes is used.
	MaxRequestBodyBytes int64

	// LoggerProvider is a function that provides a context-specific logger.
	// By default, the logger is taken from the request context (as put there
	// by the go-appkit logging middleware).
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// DefaultMaxRequestBodyBytes is the default bound of the buffered request body.
const DefaultMaxRequestBodyBytes = 1024 * 1024

// Handler is an http.Handler that resolves requests through the guarded
// fetcher and maps classified errors to response statuses.
type Handler struct {
	fetcher              *upstreamguard.Fetcher
	errDomain            string
	pathPrefix           string
	queueFullRetryAfter  time.Duration
	exposeUpstreamErrors bool
	maxRequestBodyBytes  int64
	loggerProvider       func(ctx context.Context) log.FieldLogger
}

// NewHandler creates a new Handler that serves requests via the given
// fetcher. errDomain is used in error response bodies.
func NewHandler(fetcher *upstreamguard.Fetcher, errDomain string) *Handler {
	return NewHandlerWithOpts(fetcher, errDomain, Opts{})
}

// NewHandlerWithOpts is a configurable version of NewHandler.
func NewHandlerWithOpts(fetcher *upstreamguard.Fetcher, errDomain string, opts Opts) *Handler {
	if opts.LoggerProvider == nil {
		opts.LoggerProvider = middleware.GetLoggerFromContext
	}
	if opts.MaxRequestBodyBytes == 0 {
		opts.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	return &Handler{
		fetcher:              fetcher,
		errDomain:            errDomain,
		pathPrefix:           opts.PathPrefix,
		queueFullRetryAfter:  opts.QueueFullRetryAfter,
		exposeUpstreamErrors: opts.ExposeUpstreamErrors,
		maxRequestBodyBytes:  opts.MaxRequestBodyBytes,
		loggerProvider:       opts.LoggerProvider,
	}
}

// ServeHTTP serves the proxied HTTP request.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := h.loggerProvider(r.Context())

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(rw, r.Body, h.maxRequestBodyBytes))
		if err != nil {
			apiErr := restapi.NewError(h.errDomain, ErrCodeInvalidRequestBody, ErrMessageInvalidRequestBody)
			restapi.RespondCodeAndJSON(rw, http.StatusBadRequest, restapi.ErrorResponseData{Err: apiErr}, logger)
			return
		}
	}

	desc := upstreamguard.RequestDescriptor{
		Method:         r.Method,
		Path:           strings.TrimPrefix(r.URL.Path, h.pathPrefix),
		CallerIdentity: parseBearerToken(r.Header.Get("Authorization")),
		Body:           body,
	}

	res, err := h.fetcher.Fetch(r.Context(), desc)
	if err != nil {
		h.respondFetchError(rw, err, logger)
		return
	}

	if contentType := res.Header.Get("Content-Type"); contentType != "" {
		rw.Header().Set("Content-Type", contentType)
	}
	rw.WriteHeader(res.StatusCode)
	if _, err := rw.Write(res.Body); err != nil && logger != nil {
		logger.Error("error while writing proxied response body", log.Error(err))
	}
}

// respondFetchError maps a classified fetch error to a response.
// Severity-correct logging already happened at the fetcher boundary, so the
// error body is written without extra log noise.
func (h *Handler) respondFetchError(rw http.ResponseWriter, err error, logger log.FieldLogger) {
	var queueFullErr *admission.QueueFullError
	var openErr *circuitbreaker.OpenError
	var rateLimitedErr *upstreamguard.RateLimitedError
	var timeoutErr *upstreamguard.UpstreamTimeoutError
	var statusErr *upstreamguard.UpstreamStatusError

	switch {
	case errors.As(err, &queueFullErr):
		if h.queueFullRetryAfter > 0 {
			rw.Header().Set("Retry-After", retryAfterSeconds(h.queueFullRetryAfter))
		}
		h.respondAPIError(rw, http.StatusServiceUnavailable, ErrCodeRequestQueueFull, ErrMessageRequestQueueFull, logger)

	case errors.As(err, &openErr):
		if openErr.TimeUntilReset > 0 {
			rw.Header().Set("Retry-After", retryAfterSeconds(openErr.TimeUntilReset))
		}
		h.respondAPIError(rw, http.StatusServiceUnavailable, ErrCodeCircuitBreakerOpen, ErrMessageServiceUnavailable, logger)

	case errors.As(err, &rateLimitedErr):
		// The upstream's own rate-limit answer is safe and actionable for the
		// client: status, metadata headers, and body go through verbatim.
		for name, vals := range rateLimitedErr.Header {
			for _, val := range vals {
				rw.Header().Add(name, val)
			}
		}
		if rateLimitedErr.ContentType != "" {
			rw.Header().Set("Content-Type", rateLimitedErr.ContentType)
		}
		rw.WriteHeader(rateLimitedErr.StatusCode)
		if _, writeErr := rw.Write(rateLimitedErr.Body); writeErr != nil && logger != nil {
			logger.Error("error while writing rate-limited response body", log.Error(writeErr))
		}

	case errors.As(err, &timeoutErr):
		h.respondAPIError(rw, http.StatusBadGateway, ErrCodeUpstreamTimeout, ErrMessageUpstreamTimeout, logger)

	case errors.As(err, &statusErr):
		msg := ErrMessageUpstreamSanitized
		if h.exposeUpstreamErrors {
			msg = string(statusErr.Body)
		}
		h.respondAPIError(rw, statusErr.StatusCode, ErrCodeUpstreamError, msg, logger)

	case errors.Is(err, context.Canceled):
		rw.WriteHeader(StatusClientClosedRequest)

	default:
		h.respondAPIError(rw, http.StatusBadGateway, ErrCodeUpstreamFetchFailed, ErrMessageUpstreamFetchFailed, logger)
	}
}

func (h *Handler) respondAPIError(rw http.ResponseWriter, statusCode int, code, message string, logger log.FieldLogger) {
	apiErr := restapi.NewError(h.errDomain, code, message)
	restapi.RespondCodeAndJSON(rw, statusCode, restapi.ErrorResponseData{Err: apiErr}, logger)
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

func parseBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return authHeader[len(prefix):]
	}
	return ""
}
