package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/backoff"
)

// maxTransientRetries bounds in-place retries of one completion. Anything
// beyond this surfaces to the attempt layer, which has its own escalation.
const maxTransientRetries = 3

// RetryingClient wraps a Client with bounded retries of transient failures.
// Quota errors are never retried here; the router owns that decision.
type RetryingClient struct {
	inner   Client
	cfg     backoff.Config
	logger  *zap.Logger
	retries int
}

func NewRetryingClient(inner Client, logger *zap.Logger) *RetryingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{
		inner:   inner,
		cfg:     backoff.ProviderRetry(),
		logger:  logger,
		retries: maxTransientRetries,
	}
}

func (c *RetryingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsQuotaExceeded(err) || !IsRetryable(err) || attempt > c.retries {
			return nil, err
		}

		delay := backoff.DelayForAttempt(attempt, c.cfg, fmt.Sprintf("%s|%d", req.ModelID, attempt))
		if hint := RetryAfterOf(err); hint != nil && *hint > delay {
			delay = *hint
		}
		c.logger.Warn("completion retry",
			zap.String("model_id", req.ModelID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
