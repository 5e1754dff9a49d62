// Package api is the bearer-authenticated REST client for the GigLink backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"giglink/logging"
	"giglink/metrics"
)

// RequestIDHeader correlates client logs with backend logs.
const RequestIDHeader = "X-Request-ID"

var (
	// ErrUnauthorized is returned for any 401. It is fatal for the session.
	ErrUnauthorized = errors.New("api: unauthorized")
)

// APIError is a non-401 error status returned by the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// TokenSource supplies the current bearer token.
type TokenSource interface {
	Token() string
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     zerolog.Logger

	// OnUnauthorized runs once per 401 response, before ErrUnauthorized is returned.
	OnUnauthorized func()
}

// Client is a GigLink REST API client.
type Client struct {
	baseURL        string
	tokens         TokenSource
	httpClient     *http.Client
	logger         zerolog.Logger
	onUnauthorized func()
}

// NewClient creates a REST client.
func NewClient(options Options) (*Client, error) {
	if strings.TrimSpace(options.BaseURL) == "" {
		return nil, errors.New("base URL is required")
	}
	if options.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	// No request-level timeout: calls end with their context or the transport.
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:        strings.TrimSuffix(options.BaseURL, "/"),
		tokens:         options.Tokens,
		httpClient:     httpClient,
		logger:         logging.Component(options.Logger, "api"),
		onUnauthorized: options.OnUnauthorized,
	}, nil
}

// BaseURL returns the REST base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, endpoint, out)
}

// do sends an authenticated request and decodes a JSON response into out.
func (c *Client) do(req *http.Request, endpoint string, out any) error {
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Str("request_id", requestID).Msg("request failed")
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	metrics.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("request_id", requestID).
		Msg("request completed")

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn().Str("endpoint", endpoint).Msg("unauthorized, invalidating session")
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		return fmt.Errorf("%s: %w", endpoint, &APIError{StatusCode: resp.StatusCode, Message: msg})
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
