package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/searchbroker/searchbroker/internal/config"
)

// StatusQuotaExhausted is the provider's dedicated plan-limit-exceeded
// status. Only this code transitions a key to exhausted; 429s and 5xx are
// transient.
const StatusQuotaExhausted = 432

const maxResponseBytes = 4 << 20

// HTTPClient defines the interface for making HTTP requests.
// This allows for mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is one upstream response, body fully read.
type Result struct {
	StatusCode int
	Body       []byte
	Latency    time.Duration
}

// Client talks to the upstream search API. All calls pass through a shared
// token-bucket limiter so the broker itself never hammers the provider.
type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient builds a client from configuration.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) (*Client, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout.Std()},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger.With("component", "upstream"),
	}, nil
}

// NewClientWithHTTP is the test constructor with an injectable transport.
func NewClientWithHTTP(baseURL string, httpClient HTTPClient, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	return &Client{
		baseURL:    u,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     logger.With("component", "upstream"),
	}, nil
}

// Do forwards one call upstream using the given key secret as the bearer
// credential. forwarded carries the header subset that survived redaction.
func (c *Client) Do(ctx context.Context, method, path, query string, body []byte, secret string, forwarded map[string]string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("upstream rate limit wait: %w", err)
	}

	u := *c.baseURL
	u.Path = path
	u.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for name, value := range forwarded {
		req.Header.Set(name, value)
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Latency:    time.Since(start),
	}, nil
}

// UsageSnapshot is the provider's view of one key's consumption.
type UsageSnapshot struct {
	Limit     int
	Used      int
	FetchedAt time.Time
}

// Remaining returns the quota left in the snapshot.
func (u *UsageSnapshot) Remaining() int {
	if r := u.Limit - u.Used; r > 0 {
		return r
	}
	return 0
}

type usageResponse struct {
	Key struct {
		Usage int `json:"usage"`
		Limit int `json:"limit"`
	} `json:"key"`
}

// Usage fetches the provider's usage endpoint for one key. Used by the
// quota-sync job to reconcile local snapshots with upstream truth.
func (c *Client) Usage(ctx context.Context, secret string) (*UsageSnapshot, error) {
	res, err := c.Do(ctx, http.MethodGet, "/usage", "", nil, secret, nil)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned status %d", res.StatusCode)
	}

	var parsed usageResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse usage response: %w", err)
	}
	return &UsageSnapshot{
		Limit:     parsed.Key.Limit,
		Used:      parsed.Key.Usage,
		FetchedAt: time.Now(),
	}, nil
}
