package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/patientmap/patientmapd/internal/config"
)

// Client is the decision function consumed by work units.
type Client interface {
	Generate(ctx context.Context, req Request) (*Decision, error)
}

const (
	defaultMaxTokensHint = 4096
	defaultBaseBackoff   = time.Second
)

// httpClient talks to the reasoning service over HTTP with rate limiting
// and bounded retries on transient failures.
type httpClient struct {
	baseURL    string
	apiKey     string
	model      string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient builds an HTTP reasoner client from config.
func NewClient(cfg config.ReasonerConfig) (Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reasoner base_url required")
	}
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("reasoner api_key required")
	}

	return &httpClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey.Value(),
		model:   cfg.Model,
		client: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		maxRetries: max(cfg.MaxRetries, 1),
	}, nil
}

type wireRequest struct {
	Model         string `json:"model,omitempty"`
	MaxTokensHint int    `json:"max_tokens_hint"`
	Request
}

// Generate sends one decision round, retrying transient failures with
// exponential backoff. maxRetries caps the total attempts, not the
// retries after the first one.
func (c *httpClient) Generate(ctx context.Context, req Request) (*Decision, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	wire := wireRequest{Model: c.model, MaxTokensHint: defaultMaxTokensHint, Request: req}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		decision, err := c.doRequest(ctx, wire)
		if err == nil {
			return decision, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *httpClient) doRequest(ctx context.Context, wire wireRequest) (*Decision, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &transportError{err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	var decision Decision
	if err := json.Unmarshal(respBody, &decision); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &decision, nil
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "reasoner transport error: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("reasoner returned status %d: %s", e.code, e.body)
}

// isRetryable classifies errors the way the upstream retry profile does:
// network failures and 429/500/503/504 are transient.
func isRetryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}
