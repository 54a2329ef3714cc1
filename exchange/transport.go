package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/logger"
)

// NewHTTPClient builds the pooled HTTP client shared by the raw adapters.
// Outbound connections bind to localIP when provided so multiple instances
// on one host can spread requests across source addresses.
func NewHTTPClient(src config.ExchangeSourceConfig, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        src.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: src.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     src.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     src.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	if src.LocalIP != "" {
		if ip := net.ParseIP(src.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Client is a thin JSON transport with per-exchange rate limiting and
// bounded retry on transient failures. Adapters that go through an exchange
// SDK reuse only the retry loop via Do.
type Client struct {
	exchange string
	http     *http.Client
	limiter  *rate.Limiter
	retry    config.RetryConfig
	log      *logger.Log
}

// NewClient builds a transport client for one exchange.
func NewClient(exchange string, src config.ExchangeSourceConfig, adapterCfg config.AdapterConfig) *Client {
	rps := adapterCfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := adapterCfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Client{
		exchange: exchange,
		http:     NewHTTPClient(src, adapterCfg.Timeout),
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		retry:    adapterCfg.Retry,
		log:      logger.Named(exchange),
	}
}

// Do runs fn with the exchange rate limiter and retry policy applied. fn
// reports whether its failure is retryable; non-retryable errors surface
// immediately. The final error is wrapped in *APIError with op context.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) (retryable bool, err error)) error {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := &backoff.Backoff{
		Min:    c.retry.BaseDelay,
		Max:    c.retry.MaxDelay,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &APIError{Exchange: c.exchange, Op: op, Err: err}
		}

		retryable, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable || attempt == attempts {
			break
		}

		delay := b.Duration()
		c.log.WithComponent(c.exchange+"_adapter").WithFields(logger.Fields{
			"operation": op,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).WithError(err).Warn("transient failure, retrying")

		select {
		case <-ctx.Done():
			return &APIError{Exchange: c.exchange, Op: op, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return &APIError{Exchange: c.exchange, Op: op, Err: lastErr}
}

// GetJSON fetches url and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, op, url string, out interface{}) error {
	return c.Do(ctx, op, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		return c.send(req, out)
	})
}

// PostJSON sends body as JSON to url and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, op, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &APIError{Exchange: c.exchange, Op: op, Err: err}
	}
	return c.Do(ctx, op, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.send(req, out)
	})
}

func (c *Client) send(req *http.Request, out interface{}) (bool, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, err
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retryable, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 256))
	}

	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
