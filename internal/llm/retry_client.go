package llm

import (
	"context"

	"otto/internal/errors"
	"otto/internal/logging"
)

// RetryClient wraps another client with transparent retry on transient
// failures. Completion calls that fail permanently surface immediately.
type RetryClient struct {
	inner  Client
	config errors.RetryConfig
	logger logging.Logger
}

// NewRetryClient wraps inner with retry behavior.
func NewRetryClient(inner Client, config errors.RetryConfig, logger logging.Logger) *RetryClient {
	return &RetryClient{
		inner:  inner,
		config: config,
		logger: logging.OrNop(logger),
	}
}

// Complete delegates to the inner client through the retry helper.
func (c *RetryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return errors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*CompletionResponse, error) {
		return c.inner.Complete(ctx, req)
	}, c.logger)
}

// Model returns the inner client's model identifier.
func (c *RetryClient) Model() string {
	return c.inner.Model()
}
