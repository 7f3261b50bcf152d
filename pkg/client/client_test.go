package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient creates a client against baseURL that records backoff delays instead of sleeping.
func newTestClient(t *testing.T, baseURL string, retry RetryConfig) (*Client, *[]time.Duration) {
	t.Helper()

	cfg := DefaultConfig(baseURL)
	cfg.Retry = retry

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	delays := []time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return ctx.Err()
	}
	return c, &delays
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig("https://onemocneni-aktualne.mzcr.cz/api/v3/"),
		},
		{
			name:        "empty base url",
			config:      DefaultConfig(""),
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name:        "unsupported scheme",
			config:      DefaultConfig("ftp://example.com/"),
			expectError: true,
			errorMsg:    "must be http or https",
		},
		{
			name: "rate limit enabled",
			config: Config{
				BaseURL:   "http://localhost:8080",
				RateLimit: 5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Error = %q, want containing %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.config.Timeout <= 0 {
				t.Error("Timeout default not applied")
			}
			if tt.config.RateLimit > 0 && c.limiter == nil {
				t.Error("Expected rate limiter to be configured")
			}
		})
	}
}

func TestGet_Success(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/ld+json")
		w.Write([]byte(`{"hydra:member":[]}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL+"/api/v3/", DefaultRetryConfig())

	params := url.Values{}
	params.Set("apiToken", "secret")
	params.Set("page", "3")
	params.Set("datum[strictly_after]", "2024-10-20")

	body, err := c.Get(context.Background(), "hospitalizace", params, time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"hydra:member":[]}` {
		t.Errorf("body = %q", body)
	}
	if gotPath != "/api/v3/hospitalizace" {
		t.Errorf("path = %q, want /api/v3/hospitalizace", gotPath)
	}
	if gotQuery.Get("page") != "3" || gotQuery.Get("apiToken") != "secret" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotQuery.Get("datum[strictly_after]") != "2024-10-20" {
		t.Errorf("date filter not forwarded: %v", gotQuery)
	}
}

func TestGet_RetriesForcelistStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	retry := RetryConfig{Total: 3, BackoffFactor: 1, MaxBackoff: time.Minute, StatusForcelist: []int{503}}
	c, delays := newTestClient(t, server.URL, retry)

	body, err := c.Get(context.Background(), "/test", nil, time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestGet_RetryExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream down`))
	}))
	defer server.Close()

	retry := RetryConfig{Total: 2, BackoffFactor: 0.5, StatusForcelist: []int{502}}
	c, _ := newTestClient(t, server.URL, retry)

	_, err := c.Get(context.Background(), "/test", nil, time.Second)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Expected *TransientError, got %T", err)
	}
	if te.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", te.Attempts)
	}
	if te.ErrorClass != ErrorClassServer {
		t.Errorf("ErrorClass = %s, want server", te.ErrorClass)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if string(ResponseBody(err)) != "upstream down" {
		t.Errorf("ResponseBody = %q", ResponseBody(err))
	}
}

func TestGet_NonRetryableStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, delays := newTestClient(t, server.URL, DefaultRetryConfig())

	_, err := c.Get(context.Background(), "/missing", nil, time.Second)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("4xx outside the forcelist must not be reported as exhausted")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *StatusError, got %T", err)
	}
	if se.StatusCode != http.StatusNotFound || se.ErrorClass != ErrorClassClient {
		t.Errorf("StatusError = %+v", se)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff, got %v", *delays)
	}
}

func TestGet_NetworkErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close()

	retry := RetryConfig{Total: 1, BackoffFactor: 1, StatusForcelist: []int{503}}
	c, delays := newTestClient(t, serverURL, retry)

	_, err := c.Get(context.Background(), "/test", nil, time.Second)

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Expected *TransientError, got %v", err)
	}
	if te.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %s, want network", te.ErrorClass)
	}
	if te.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", te.Attempts)
	}
	if len(*delays) != 1 {
		t.Errorf("delays = %v, want one backoff", *delays)
	}
}

func TestGet_AttemptTimeout(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	retry := RetryConfig{Total: 1, StatusForcelist: []int{503}}
	c, _ := newTestClient(t, server.URL, retry)

	_, err := c.Get(context.Background(), "/slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestGet_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, DefaultRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "/test", nil, time.Second)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}
