// Package retry provides retry logic for replichat client operations.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/replichat/replichat/pkg/errors"
)

// Config defines retry behavior configuration.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Delay is the fixed delay between attempts.
	Delay time.Duration `yaml:"delay" json:"delay"`

	// RetryableErrors lists error codes that should trigger retry. Empty
	// means retry on any error the errors package marks retryable.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error) `yaml:"-" json:"-"`
}

// DefaultConfig returns a retry configuration of three attempts with a
// one-second delay, retrying only on transport-unavailable failures. The
// client runtime builds its own configuration, which also retries not-leader
// rejections.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       time.Second,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeUnavailable,
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeNetworkError,
		},
	}
}

// Retryer handles retry logic.
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Delay <= 0 {
		config.Delay = time.Second
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic and context support.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(r.config.Delay):
			}
		}
	}

	return errors.Newf(errors.ErrCodeRetryExhausted, "max retry attempts (%d) exceeded", r.config.MaxAttempts).WithCause(lastErr)
}

func (r *Retryer) shouldRetry(err error) bool {
	var chatErr *errors.ChatError
	if !errors.As(err, &chatErr) {
		return false
	}

	if len(r.config.RetryableErrors) == 0 {
		return chatErr.Retryable
	}

	for _, code := range r.config.RetryableErrors {
		if chatErr.Code == code {
			return true
		}
	}
	return false
}
