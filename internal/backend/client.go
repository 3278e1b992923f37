// Package backend is a narrow client for the managed backend: the auth
// user endpoint, the PostgREST row store, object storage and the realtime
// change feed. Every HTTP call runs through a circuit breaker.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

type Config struct {
	URL             string
	APIKey          string
	Timeout         time.Duration
	BreakerName     string
	BreakerFailures uint32
	BreakerOpen     time.Duration
	HTTPClient      *http.Client
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *breaker
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("backend API key is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	name := cfg.BreakerName
	if name == "" {
		name = "backend"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: hc,
		breaker:    newBreaker(name, cfg.BreakerFailures, cfg.BreakerOpen),
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Response is a raw backend response. Body is fully read.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Ping checks that the row store answers. Any status below 500 counts as
// reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, "")
	_, err = c.do(req)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		var be *Error
		if errors.As(err, &be) && be.Status < 500 {
			return nil
		}
	}
	return err
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// setHeaders authenticates with the service key; bearer overrides the
// Authorization header for calls made on behalf of an end user.
func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("apikey", c.apiKey)
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

// do sends req through the breaker. Transport errors and 5xx responses count
// as breaker failures; 4xx responses are returned as *Error without tripping it.
func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.breaker.execute(func() (*Response, error) {
		hr, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer hr.Body.Close()
		body, err := io.ReadAll(io.LimitReader(hr.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
		}
		r := &Response{StatusCode: hr.StatusCode, Body: body, Headers: hr.Header}
		if hr.StatusCode >= 500 {
			return r, parseError(hr.StatusCode, body)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return resp, err
	}
	if resp.StatusCode >= 400 {
		return resp, parseError(resp.StatusCode, resp.Body)
	}
	return resp, nil
}
