package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	defaultMaxAttempts    = 5
	defaultRequestTimeout = 10 * time.Second
)

// Client issues HTTP requests to logical services. Instance addresses are
// resolved through the gateway and cached per service name; a failed request
// drops the cached address so the next attempt lands on a freshly resolved
// instance. Transport errors and 5xx responses are retried up to the attempt
// budget, 4xx responses are returned to the caller as-is.
type Client struct {
	gatewayURL  string
	maxAttempts int
	httpClient  *http.Client

	mu   sync.Mutex
	urls map[string]string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client that resolves service instances through the
// gateway at gatewayURL.
func NewClient(gatewayURL string, opts ...ClientOption) *Client {
	c := &Client{
		gatewayURL:  gatewayURL,
		maxAttempts: defaultMaxAttempts,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		urls:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// instanceResponse is the gateway's resolution payload.
type instanceResponse struct {
	Instance Instance `json:"instance"`
}

// baseURL returns the cached address for the service, resolving through the
// gateway on a cache miss.
func (c *Client) baseURL(ctx context.Context, service string) (string, error) {
	c.mu.Lock()
	cached, ok := c.urls[service]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	resolveURL := c.gatewayURL + "/get_service_instance?service_name=" + url.QueryEscape(service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve %s: gateway status %d", service, resp.StatusCode)
	}

	var ir instanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", fmt.Errorf("resolve %s: %w", service, err)
	}
	if ir.Instance.URL == "" {
		return "", fmt.Errorf("resolve %s: gateway returned empty instance", service)
	}

	c.mu.Lock()
	c.urls[service] = ir.Instance.URL
	c.mu.Unlock()
	return ir.Instance.URL, nil
}

// invalidate drops the cached address for the service, but only if it still
// matches the address the failure was observed on.
func (c *Client) invalidate(service, base string) {
	c.mu.Lock()
	if c.urls[service] == base {
		delete(c.urls, service)
	}
	c.mu.Unlock()
}

// Do sends one request to the named service, retrying resolution and
// transport up to the attempt budget. A returned response may carry any
// status below 500; the caller owns its body. Exhausting the budget yields
// ErrRequestFailed wrapping the last observed error.
func (c *Client) Do(ctx context.Context, method, service, path string, body any) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		base, err := c.baseURL(ctx, service)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := c.request(ctx, method, base+path, body)
		if err != nil {
			c.invalidate(service, base)
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.invalidate(service, base)
			lastErr = fmt.Errorf("%s %s: status %d", method, base+path, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %s %s %s after %d attempts: %v",
		ErrRequestFailed, method, service, path, c.maxAttempts, lastErr)
}

func (c *Client) request(ctx context.Context, method, fullURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// DoJSON sends the request via Do and decodes a 2xx response body into out
// when out is non-nil. It returns the response status code.
func (c *Client) DoJSON(ctx context.Context, method, service, path string, body, out any) (int, error) {
	resp, err := c.Do(ctx, method, service, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s%s: decode response: %w", method, service, path, err)
		}
		return resp.StatusCode, nil
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
