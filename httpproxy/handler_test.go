/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-appkit/testutil"

	upstreamguard "github.com/acronis/go-upstreamguard"
)

const testErrDomain = "TestService"

func mustNewGuardedFetcher(t *testing.T, baseURL string, cfg *upstreamguard.Config) *upstreamguard.Fetcher {
	t.Helper()
	f, err := upstreamguard.New(baseURL, cfg)
	require.NoError(t, err)
	return f
}

func requireErrorMessageInRecorder(t *testing.T, resp *httptest.ResponseRecorder, wantMessage string) {
	t.Helper()
	var respData struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&respData))
	require.Equal(t, wantMessage, respData.Error.Message)
}

func TestHandlerProxiesSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/items", r.URL.Path)
		require.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusCreated)
		_, _ = rw.Write([]byte(`{"id":42}`))
	}))
	defer upstream.Close()

	handler := NewHandlerWithOpts(mustNewGuardedFetcher(t, upstream.URL, nil), testErrDomain,
		Opts{PathPrefix: "/api/proxy"})

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/v1/items", bytes.NewReader([]byte(`{"name":"x"}`)))
	req.Header.Set("Authorization", "Bearer token-abc")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, `{"id":42}`, resp.Body.String())
	require.Equal(t, "application/json", resp.Header().Get("Content-Type"))
}

func TestHandlerQueueFull(t *testing.T) {
	upstreamGate := make(chan struct{})
	upstreamStarted := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		close(upstreamStarted)
		<-upstreamGate
		rw.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	defer close(upstreamGate)

	cfg := upstreamguard.NewDefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxQueueLength = 0
	handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, cfg), testErrDomain)

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/slow", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-upstreamStarted

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/rejected", nil))

	respBody := resp.Body.Bytes()
	testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, testErrDomain, ErrCodeRequestQueueFull)
	resp.Body = bytes.NewBuffer(respBody)
	requireErrorMessageInRecorder(t, resp, "Request queue is full")
	require.Empty(t, resp.Header().Get("Retry-After"))

	handlerWithHint := NewHandlerWithOpts(handler.fetcher, testErrDomain,
		Opts{QueueFullRetryAfter: time.Millisecond * 1500})
	resp = httptest.NewRecorder()
	handlerWithHint.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/rejected", nil))
	testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, testErrDomain, ErrCodeRequestQueueFull)
	require.Equal(t, "2", resp.Header().Get("Retry-After"))
}

func TestHandlerCircuitBreakerOpen(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	cfg := upstreamguard.NewDefaultConfig()
	cfg.CircuitBreaker.FailureThreshold = 1
	cfg.CircuitBreaker.ResetTimeout = time.Second * 30
	handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, cfg), testErrDomain)

	// Trip the breaker.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/failing", nil))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/after-trip", nil))

	respBody := resp.Body.Bytes()
	testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, testErrDomain, ErrCodeCircuitBreakerOpen)
	resp.Body = bytes.NewBuffer(respBody)
	requireErrorMessageInRecorder(t, resp, "Service unavailable")
	require.Equal(t, "30", resp.Header().Get("Retry-After"))
}

func TestHandlerPassesThroughRateLimiting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Retry-After", "7")
		rw.Header().Set("X-RateLimit-Remaining", "0")
		rw.Header().Set("Content-Type", "application/problem+json")
		rw.WriteHeader(http.StatusTooManyRequests)
		_, _ = rw.Write([]byte(`{"message":"slow down"}`))
	}))
	defer upstream.Close()

	handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, nil), testErrDomain)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/limited", nil))

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, `{"message":"slow down"}`, resp.Body.String(), "429 body must pass through verbatim")
	require.Equal(t, "7", resp.Header().Get("Retry-After"))
	require.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "application/problem+json", resp.Header().Get("Content-Type"))
}

func TestHandlerUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond * 200)
		rw.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := upstreamguard.NewDefaultConfig()
	cfg.RequestTimeout = time.Millisecond * 20
	handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, cfg), testErrDomain)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/slow", nil))

	respBody := resp.Body.Bytes()
	testutil.RequireErrorInRecorder(t, resp, http.StatusBadGateway, testErrDomain, ErrCodeUpstreamTimeout)
	resp.Body = bytes.NewBuffer(respBody)
	requireErrorMessageInRecorder(t, resp, "Upstream timed out")
}

func TestHandlerUpstreamFetchError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused from now on

	handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, nil), testErrDomain)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/unreachable", nil))

	respBody := resp.Body.Bytes()
	testutil.RequireErrorInRecorder(t, resp, http.StatusBadGateway, testErrDomain, ErrCodeUpstreamFetchFailed)
	resp.Body = bytes.NewBuffer(respBody)
	requireErrorMessageInRecorder(t, resp, "Upstream fetch failed")
}

func TestHandlerUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("field 'name' is required"))
	}))
	defer upstream.Close()

	t.Run("sanitized by default", func(t *testing.T) {
		handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, nil), testErrDomain)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/bad", nil))

		respBody := resp.Body.Bytes()
		testutil.RequireErrorInRecorder(t, resp, http.StatusBadRequest, testErrDomain, ErrCodeUpstreamError)
		resp.Body = bytes.NewBuffer(respBody)
		requireErrorMessageInRecorder(t, resp, "Upstream request failed")
	})

	t.Run("exposed when configured", func(t *testing.T) {
		handler := NewHandlerWithOpts(mustNewGuardedFetcher(t, upstream.URL, nil), testErrDomain,
			Opts{ExposeUpstreamErrors: true})
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/bad", nil))

		respBody := resp.Body.Bytes()
		testutil.RequireErrorInRecorder(t, resp, http.StatusBadRequest, testErrDomain, ErrCodeUpstreamError)
		resp.Body = bytes.NewBuffer(respBody)
		requireErrorMessageInRecorder(t, resp, "field 'name' is required")
	})
}

func TestHandlerClientClosedRequest(t *testing.T) {
	upstreamGate := make(chan struct{})
	upstreamStarted := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		close(upstreamStarted)
		<-upstreamGate
		rw.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	defer close(upstreamGate)

	handler := NewHandler(mustNewGuardedFetcher(t, upstream.URL, nil), testErrDomain)

	go func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/shared", nil))
	}()
	<-upstreamStarted

	// The second caller joins the in-flight call and gives up waiting.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/shared", nil).WithContext(ctx)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, StatusClientClosedRequest, resp.Code)
}

func TestParseBearerToken(t *testing.T) {
	require.Equal(t, "abc", parseBearerToken("Bearer abc"))
	require.Equal(t, "abc", parseBearerToken("bearer abc"))
	require.Equal(t, "", parseBearerToken("Bearer "))
	require.Equal(t, "", parseBearerToken("Basic dXNlcjpwYXNz"))
	require.Equal(t, "", parseBearerToken(""))
}
