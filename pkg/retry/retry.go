// Package retry runs an operation a bounded number of times, asking a
// caller-supplied predicate whether each failure is worth another attempt.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// Default retry configuration values
const (
	DEF_MAX_ATTEMPTS   = 3
	DEF_BASE_DELAY     = 500 * time.Millisecond
	DEF_MAX_DELAY      = 10 * time.Second
	DEF_JITTER_FACTOR  = 0.5
	DEF_BACKOFF_FACTOR = 2.0
)

// Config holds configuration for retry behavior.
type Config struct {
	MaxAttempts   int           // Total attempts including the first (values < 1 mean 1)
	BaseDelay     time.Duration // Delay before the second attempt; 0 disables waiting
	MaxDelay      time.Duration // Maximum delay between attempts
	JitterFactor  float64       // Random jitter factor (0-1)
	BackoffFactor float64       // Exponential backoff multiplier
}

// DefaultConfig returns the configuration used for login: three attempts
// with a short exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   DEF_MAX_ATTEMPTS,
		BaseDelay:     DEF_BASE_DELAY,
		MaxDelay:      DEF_MAX_DELAY,
		JitterFactor:  DEF_JITTER_FACTOR,
		BackoffFactor: DEF_BACKOFF_FACTOR,
	}
}

// Predicate reports whether err may be retried.
type Predicate func(err error) bool

// OnRetry is called before each retry with the number of the attempt that
// just failed (starting at 1) and its error.
type OnRetry func(attempt int, err error)

// Do invokes op until it succeeds, the attempts are exhausted, or retryable
// rejects the error. The last error is returned unchanged so callers can
// still inspect it with errors.Is/As. A nil retryable uses IsRetryable.
// If ctx is done while waiting between attempts, no further attempt is made
// and the last operation error is returned.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, retryable Predicate, onRetry OnRetry) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, retryable, onRetry)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error), retryable Predicate, onRetry OnRetry) (T, error) {
	if retryable == nil {
		retryable = IsRetryable
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= maxAttempts || !retryable(err) {
			return v, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if werr := cfg.wait(ctx, attempt); werr != nil {
			return v, err
		}
	}
}

// ErrorCategory classifies errors for retry decisions
type ErrorCategory int

const (
	ErrCategoryFatal     ErrorCategory = iota // Non-retryable errors (canceled, protocol)
	ErrCategoryRetryable                      // Transient errors (EOF, timeout, reset)
	ErrCategoryThrottled                      // Rate limiting errors (429, 503)
)

// ClassifyError determines how a transport error should be handled for
// retry purposes.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryFatal
	}

	// Caller cancellation is final; a per-call deadline is a network timeout.
	if errors.Is(err, context.Canceled) {
		return ErrCategoryFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCategoryRetryable
	}

	// EOF errors are retryable (connection dropped mid-response)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrCategoryRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrCategoryRetryable
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) && isRetryableErrno(sysErr) {
		return ErrCategoryRetryable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrCategoryRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrCategoryRetryable
	}

	// String-based pattern matching for wrapped errors
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"eof",
		"temporary failure",
		"no such host",
		"network is unreachable",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return ErrCategoryRetryable
		}
	}

	throttlePatterns := []string{
		"429",
		"503",
		"too many requests",
		"service unavailable",
	}
	for _, pattern := range throttlePatterns {
		if strings.Contains(errStr, pattern) {
			return ErrCategoryThrottled
		}
	}

	// Unknown errors are treated as fatal to avoid retrying protocol failures
	return ErrCategoryFatal
}

// IsRetryable is the default Predicate: only transient network failures
// and timeouts are retried.
func IsRetryable(err error) bool {
	return ClassifyError(err) == ErrCategoryRetryable
}

// CalculateBackoff computes the delay before the attempt following attempt.
func (c *Config) CalculateBackoff(attempt int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(c.BaseDelay) * math.Pow(factor, float64(attempt-1))

	if c.JitterFactor > 0 {
		jitter := c.JitterFactor * (2*rand.Float64() - 1) // random in [-1, 1]
		delay *= (1 + jitter)
	}

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay < 0 {
		delay = float64(c.BaseDelay)
	}
	return time.Duration(delay)
}

func (c *Config) wait(ctx context.Context, attempt int) error {
	delay := c.CalculateBackoff(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
