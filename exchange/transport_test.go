package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fundingflow/config"
)

func testAdapterConfig() config.AdapterConfig {
	return config.AdapterConfig{
		Timeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000},
	}
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := NewClient("testex", config.ExchangeSourceConfig{}, testAdapterConfig())

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.GetJSON(context.Background(), "probe", server.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient("testex", config.ExchangeSourceConfig{}, testAdapterConfig())

	err := c.GetJSON(context.Background(), "probe", server.URL, nil)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1 (no retry on 4xx)", got)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not *APIError", err)
	}
	if apiErr.Exchange != "testex" || apiErr.Op != "probe" {
		t.Errorf("error context = %s/%s, want testex/probe", apiErr.Exchange, apiErr.Op)
	}
}

func TestDoRetryBudgetExhausted(t *testing.T) {
	c := NewClient("testex", config.ExchangeSourceConfig{}, testAdapterConfig())

	attempts := 0
	err := c.Do(context.Background(), "probe", func(ctx context.Context) (bool, error) {
		attempts++
		return true, errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("fn called %d times, want 3", attempts)
	}
}

func TestDoRespectsContextCancel(t *testing.T) {
	c := NewClient("testex", config.ExchangeSourceConfig{}, testAdapterConfig())

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := c.Do(ctx, "probe", func(ctx context.Context) (bool, error) {
		attempts++
		cancel()
		return true, errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if attempts != 1 {
		t.Errorf("fn called %d times, want 1", attempts)
	}
}
