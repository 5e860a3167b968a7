package tutor

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

	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/resilience"
)

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tutor API %s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether retrying may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the tutoring backend REST API
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewClient creates a REST client from configuration
func NewClient(cfg *config.Config) *Client {
	cb := resilience.NewCircuitBreaker(
		"tutor_api",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &Client{
		baseURL:        strings.TrimRight(cfg.TutorAPIURL, "/"),
		token:          cfg.TutorAPIToken,
		httpClient:     &http.Client{},
		circuitBreaker: cb,
		retryConfig:    retry,
		logger:         observability.Component("tutor-api"),
	}
}

// SendChat posts one user message. It is guarded by the circuit breaker.
func (c *Client) SendChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	err := c.circuitBreaker.Call(func() error {
		return c.post(ctx, "/api/chat/send", req, &resp)
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures("tutor_api")
		}
		return nil, err
	}
	return &resp, nil
}

// GenerateQuiz asks the backend for a quiz, optionally scoped to a topic
func (c *Client) GenerateQuiz(ctx context.Context, req QuizRequest) (*Quiz, error) {
	var quiz Quiz
	if err := c.post(ctx, "/api/quiz/generate", req, &quiz); err != nil {
		return nil, err
	}
	if len(quiz.Questions) == 0 {
		return nil, fmt.Errorf("tutor API returned a quiz without questions")
	}
	return &quiz, nil
}

// SubmitQuiz records a quiz attempt, retrying transient failures
func (c *Client) SubmitQuiz(ctx context.Context, sub QuizSubmission) (*SubmitResult, error) {
	var result SubmitResult
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/api/quiz/submit", sub, &result)
	}, c.retryConfig, isRetryableAPIError)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks that the backend answers HTTP at all
func (c *Client) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("tutor API returned status %d", resp.StatusCode)
	}
	return true, nil
}

func isRetryableAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return resilience.IsRetryableNetworkError(err)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Tutor API call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Path: path, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
