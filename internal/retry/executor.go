package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/metrics"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the given 1-based attempt: zero for the first
// attempt, then BaseDelay doubling per failure, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 2; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Executor runs operations under a Policy, classifying each failure to decide
// whether another attempt is allowed.
type Executor struct {
	policy   Policy
	classify apperror.Classifier
	logger   zerolog.Logger
	onRetry  func(operation string, attempt int, delay time.Duration, err *apperror.AppError)
}

type Option func(*Executor)

// WithRetryHook registers fn to observe each scheduled retry.
func WithRetryHook(fn func(operation string, attempt int, delay time.Duration, err *apperror.AppError)) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

func NewExecutor(policy Policy, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy,
		classify: apperror.Classify,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do invokes fn at most MaxAttempts times. fn receives the 1-based attempt
// number. The returned error is always an *apperror.AppError: the terminal
// classified failure, or the classified context error if ctx ended first.
func Do[T any](ctx context.Context, e *Executor, operation string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var (
		result  T
		lastErr *apperror.AppError
		attempt int
	)

	maxAttempts := e.policy.attempts()

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= maxAttempts {
			return 0, true
		}
		delay := e.policy.Delay(attempt + 1)

		e.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Str("category", lastErr.Category.String()).
			Err(lastErr).
			Msg("Retrying operation")

		if e.onRetry != nil {
			e.onRetry(operation, attempt+1, delay, lastErr)
		}
		return delay, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		metrics.RetryAttempts.WithLabelValues(operation).Inc()

		v, err := fn(ctx, attempt)
		if err == nil {
			result = v
			return nil
		}

		lastErr = e.classify(operation, err)
		metrics.RetryFailures.WithLabelValues(operation, lastErr.Category.String()).Inc()

		if lastErr.Retryable {
			return goretry.RetryableError(lastErr)
		}
		return lastErr
	})
	if err == nil {
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, e.classify(operation, ctxErr).With("attempts", attempt)
	}
	if lastErr != nil {
		return zero, lastErr.With("attempts", attempt)
	}
	return zero, e.classify(operation, err).With("attempts", attempt)
}
