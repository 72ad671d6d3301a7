// Package retry provides retry logic with exponential backoff for data-source calls.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/docforge/querycache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd
	Jitter bool `yaml:"jitter" json:"jitter"`

	// AttemptTimeout bounds each individual attempt; zero disables it
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// RetryableErrors lists structured error codes that trigger a retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// RetryUnclassified retries plain errors that carry no retry hint
	RetryUnclassified bool `yaml:"retry_unclassified" json:"retry_unclassified"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration: 3 attempts, 1s base delay doubling per attempt.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		Jitter:            false,
		RetryUnclassified: true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeNetworkError,
			errors.ErrCodeOperationTimeout,
			errors.ErrCodeServiceUnavailable,
			errors.ErrCodeInternalError,
		},
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the retryer gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context support
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	_, err := r.DoWithAttempts(ctx, fn)
	return err
}

// DoWithAttempts is DoWithContext that also reports how many attempts ran.
func (r *Retryer) DoWithAttempts(ctx context.Context, fn func(context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("operation canceled after %d attempts: %w", attempt-1, lastErr)
			}
			return attempt - 1, fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := r.runAttempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}

		lastErr = err

		if !r.shouldRetry(err, attempt) {
			var perm *PermanentError
			if stderr.As(err, &perm) {
				return attempt, perm.Err
			}
			if attempt >= r.config.MaxAttempts && r.config.MaxAttempts > 1 {
				return attempt, fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
			}
			return attempt, err
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("operation canceled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}
	}

	return r.config.MaxAttempts, fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) runAttempt(ctx context.Context, fn func(context.Context) error) error {
	if r.config.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(attemptCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Newf(errors.ErrCodeOperationTimeout, "attempt timed out after %s", r.config.AttemptTimeout)
	}
}

// shouldRetry determines if an error is retryable
func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}
	return r.IsRetryable(err)
}

// IsRetryable classifies err against the configuration.
func (r *Retryer) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if stderr.As(err, &perm) {
		return false
	}
	if stderr.Is(err, context.Canceled) {
		return false
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return true
	}

	var structured *errors.Error
	if stderr.As(err, &structured) {
		if structured.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if structured.Code == code {
				return true
			}
		}
		return false
	}

	return r.config.RetryUnclassified
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	// initialDelay * multiplier^(attempt-1)
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±20%
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithInitialDelay returns a new Retryer with modified initial delay
func (r *Retryer) WithInitialDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.InitialDelay = delay
	return New(newConfig)
}

// WithAttemptTimeout returns a new Retryer with a per-attempt timeout
func (r *Retryer) WithAttemptTimeout(timeout time.Duration) *Retryer {
	newConfig := r.config
	newConfig.AttemptTimeout = timeout
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
