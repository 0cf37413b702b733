package llm

import (
	"context"
	"log"
	"time"
)

// Ensure RetryClient implements Client.
var _ Client = (*RetryClient)(nil)

// RetryClient wraps a Client with the engine's provider failure policy: one
// attempt under the primary budget, then at most one retry under a shorter
// budget. Anything beyond that is the caller's heuristic fallback, never an
// unbounded wait.
type RetryClient struct {
	inner        Client
	timeout      time.Duration
	retryTimeout time.Duration
	logger       *log.Logger
}

// RetryConfig holds the two budgets. Retry must be shorter than the primary
// timeout; it is clamped if not.
type RetryConfig struct {
	Timeout      time.Duration // per-attempt budget for the first call (default: 10s)
	RetryTimeout time.Duration // budget for the single retry (default: 4s)
	Logger       *log.Logger
}

// NewRetryClient wraps an existing client with timeout and retry behaviour.
func NewRetryClient(inner Client, cfg RetryConfig) *RetryClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := cfg.RetryTimeout
	if retry <= 0 || retry > timeout {
		retry = timeout / 2
	}
	return &RetryClient{
		inner:        inner,
		timeout:      timeout,
		retryTimeout: retry,
		logger:       cfg.Logger,
	}
}

// Generate attempts the call once, retrying a single time with the shorter
// budget on failure. Caller cancellation is never retried.
func (c *RetryClient) Generate(ctx context.Context, req Request) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	res, err := c.inner.Generate(attemptCtx, req)
	cancel()
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if c.logger != nil {
		c.logger.Printf("llm: first attempt failed, retrying with %v budget: %v", c.retryTimeout, err)
	}

	retryCtx, cancel := context.WithTimeout(ctx, c.retryTimeout)
	defer cancel()
	res, err = c.inner.Generate(retryCtx, req)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
