package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/pkg/circuitbreaker"
	"remotelink/pkg/retry"
	"remotelink/pkg/utils"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config
	Breaker circuitbreaker.Config
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		Retry:   retry.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// APIError is a non-2xx answer from the session API. It unwraps to the
// matching domain sentinel when there is one.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}

	sentinel error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.sentinel }

type errorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func newAPIError(status int, body []byte) *APIError {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	e := &APIError{Status: status, Code: eb.Error, Message: eb.Message, Details: eb.Details}
	switch eb.Error {
	case "NOT_FOUND":
		e.sentinel = domain.ErrSessionNotFound
	case "EXPIRED":
		e.sentinel = domain.ErrSessionExpired
	case "CONFLICT":
		e.sentinel = domain.ErrSessionConflict
		if reason, _ := eb.Details["reason"].(string); reason == "disconnected" {
			e.sentinel = domain.ErrSessionClosed
		}
	case "FORBIDDEN":
		e.sentinel = domain.ErrPermissionForbidden
	case "RESOURCE_EXHAUSTED":
		e.sentinel = domain.ErrCodeSpaceExhausted
	case "TIMEOUT":
		e.sentinel = domain.ErrTimeout
	default:
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			e.sentinel = domain.ErrTransportFailure
		}
	}
	return e
}

// transient reports whether a retry can change the outcome.
func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

// Client carries the shared HTTP plumbing of the session and signaling
// clients: base URL, bearer token, retry and a circuit breaker.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker

	mu    sync.RWMutex
	token string

	logger *zap.SugaredLogger
}

func New(cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = transient
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("api circuit breaker changed state", "from", from.String(), "to", to.String())
	})

	retryCfg := cfg.Retry
	retryCfg.NonRetryableErrors = append(retryCfg.NonRetryableErrors, circuitbreaker.ErrOpen, context.Canceled)

	return &Client{
		base:    base,
		http:    &http.Client{},
		timeout: cfg.Timeout,
		retry:   retryCfg,
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do sends one logical request. extra widens the per-attempt timeout for
// long polls. It returns the status of the final attempt.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, extra time.Duration) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	requestID := utils.GenerateRequestID()

	status, err := retry.RetryWithResult(ctx, c.retry, func() (int, error) {
		status, err := circuitbreaker.Do(ctx, c.breaker, func() (int, error) {
			return c.attempt(ctx, method, u.String(), requestID, payload, out, extra)
		})
		if err != nil && !transient(err) {
			return status, retry.Permanent(err)
		}
		return status, err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return status, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}
	return status, err
}

func (c *Client) attempt(ctx context.Context, method, target, requestID string, payload []byte, out interface{}, extra time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+extra)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %s %s: %v", domain.ErrTransportFailure, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: reading response: %v", domain.ErrTransportFailure, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, newAPIError(resp.StatusCode, data)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}
