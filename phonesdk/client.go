/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package phonesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger is the interface for client logging. Any logger that implements Printf
// (such as *zerolog.Logger or the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// TrackingIDHeader carries a per-request identifier the provider echoes back
// in error payloads.
const TrackingIDHeader = "X-Tracking-Id"

// Client talks to the call-control API.
type Client struct {
	httpClient *http.Client

	// Base URL for API requests
	BaseURL *url.URL

	accessToken string

	// Configuration for the client
	Config *Config

	logger Logger
}

// AccessToken returns the access token used for API authentication
func (c *Client) AccessToken() string {
	return c.accessToken
}

// HTTPClient returns the HTTP client used for API requests
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Logger returns the logger used by the client.
func (c *Client) Logger() Logger {
	return c.logger
}

// Config holds the configuration for the call-control client
type Config struct {
	// BaseURL is the base URL of the call-control API
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// Default headers to include in API requests
	DefaultHeaders map[string]string

	// Custom HTTP client to use instead of the default one.
	// If nil, a default client will be created with the specified Timeout
	HttpClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors on
	// read-only requests. State-mutating requests are never retried.
	// Set to 0 to disable retries. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Default: 1s.
	// Subsequent retries use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// Logger is the logger for client operations. If nil, a disabled
	// zerolog logger is used.
	Logger Logger
}

// DefaultConfig returns a default configuration for the call-control client
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://api.agentphone.local/v1",
		Timeout:        15 * time.Second,
		DefaultHeaders: make(map[string]string),
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}

// NewClient creates a new client with the given access token and optional configuration
func NewClient(accessToken string, config *Config) (*Client, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token cannot be empty")
	}

	if config == nil {
		config = DefaultConfig()
	}

	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, err
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Client{
		httpClient:  httpClient,
		BaseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
		Config:      config,
	}, nil
}

// Do issues a request and decodes a successful JSON response into out.
// GET requests go through RequestWithRetry; every other method is sent once.
// Failures before a response is received are returned as *TransportError.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	var (
		resp *http.Response
		err  error
	)
	if method == http.MethodGet {
		resp, err = c.RequestWithRetry(ctx, method, path, params, body)
	} else {
		resp, err = c.RequestWithContext(ctx, method, path, params, body)
	}
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	return ParseResponse(resp, out)
}

// RequestWithContext performs a single HTTP request with the given context.
// The caller is responsible for closing the response body when done.
func (c *Client) RequestWithContext(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL.String() + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, err
	}

	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TrackingIDHeader, "agentphone_"+uuid.NewString())

	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// RequestWithRetry performs an HTTP request with automatic retry for transient errors.
// It retries on HTTP 429 (respecting Retry-After) and transient server errors
// (502, 503, 504) using exponential backoff. Only use it for read-only requests.
// The caller is responsible for closing the response body when done.
func (c *Client) RequestWithRetry(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	maxRetries := c.Config.MaxRetries
	baseDelay := c.Config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err = c.RequestWithContext(ctx, method, path, params, body)
		if err != nil {
			if ctx.Err() != nil || attempt == maxRetries {
				return nil, err
			}
			c.logger.Printf("transport error on %s %s (attempt %d): %v", method, path, attempt+1, err)
			if werr := wait(ctx, baseDelay*(1<<uint(attempt))); werr != nil {
				return nil, werr
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == maxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)
		resp.Body.Close()

		if werr := wait(ctx, delay); werr != nil {
			return nil, werr
		}
	}

	return resp, err
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay honors Retry-After on 429, otherwise baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if d := retryAfter(resp.Header); d > 0 {
			return d
		}
	}
	return baseDelay * (1 << uint(attempt))
}

// ParseResponse parses an HTTP response into v. A nil v discards the body.
func ParseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return NewAPIError(resp, body)
	}

	if v == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
