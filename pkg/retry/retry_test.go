package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

var (
	errNetwork = fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	errFatal   = errors.New("invalid credentials")
)

func noWait() Config {
	return Config{MaxAttempts: 3}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), noWait(), func(ctx context.Context) error {
		calls++
		return nil
	}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), noWait(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errNetwork
		}
		return nil
	}, IsRetryable, func(attempt int, err error) {
		retried = append(retried, attempt)
		if !errors.Is(err, syscall.ECONNREFUSED) {
			t.Errorf("onRetry got unexpected error %v", err)
		}
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("onRetry attempts = %v, want [1 2]", retried)
	}
}

func TestDo_ExhaustsAttemptsAndReturnsLastErrorUnchanged(t *testing.T) {
	calls := 0
	var last error
	err := Do(context.Background(), noWait(), func(ctx context.Context) error {
		calls++
		last = fmt.Errorf("attempt %d: %w", calls, errNetwork)
		return last
	}, IsRetryable, nil)
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if err != last {
		t.Errorf("expected the last error unchanged, got %v", err)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	onRetryCalled := false
	err := Do(context.Background(), noWait(), func(ctx context.Context) error {
		calls++
		return errFatal
	}, IsRetryable, func(int, error) { onRetryCalled = true })
	if !errors.Is(err, errFatal) {
		t.Fatalf("expected errFatal, got %v", err)
	}
	if calls != 1 || onRetryCalled {
		t.Errorf("non-retryable error was retried: calls=%d onRetry=%v", calls, onRetryCalled)
	}
}

func TestDo_CustomPredicate(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return errFatal
	}, func(err error) bool { return errors.Is(err, errFatal) }, nil)
	if calls != 5 {
		t.Errorf("expected predicate-driven 5 calls, got %d", calls)
	}
}

func TestDo_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func(ctx context.Context) error {
		calls++
		return errNetwork
	}, IsRetryable, nil)
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(ctx context.Context) error {
			calls++
			return errNetwork
		}, IsRetryable, func(int, error) { cancel() })
	}()

	select {
	case err := <-done:
		if !errors.Is(err, syscall.ECONNREFUSED) {
			t.Errorf("expected last operation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), noWait(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", io.ErrUnexpectedEOF
		}
		return "ok", nil
	}, nil, nil)
	if err != nil || v != "ok" {
		t.Errorf("DoValue = %q, %v", v, err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline reached" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil error", nil, ErrCategoryFatal},
		{"context.Canceled", context.Canceled, ErrCategoryFatal},
		{"context.DeadlineExceeded", context.DeadlineExceeded, ErrCategoryRetryable},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrCategoryRetryable},
		{"unknown error", errors.New("some random error"), ErrCategoryFatal},
		{"io.EOF", io.EOF, ErrCategoryRetryable},
		{"wrapped ErrUnexpectedEOF", fmt.Errorf("outer: %w", io.ErrUnexpectedEOF), ErrCategoryRetryable},
		{"net timeout", timeoutErr{}, ErrCategoryRetryable},
		{"ECONNRESET", syscall.ECONNRESET, ErrCategoryRetryable},
		{"wrapped ECONNREFUSED", errNetwork, ErrCategoryRetryable},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")}, ErrCategoryRetryable},
		{"dns error", &net.DNSError{Err: "no such host", Name: "x"}, ErrCategoryRetryable},
		{"timeout in message", errors.New("request timeout exceeded"), ErrCategoryRetryable},
		{"case insensitive", errors.New("CONNECTION RESET by peer"), ErrCategoryRetryable},
		{"429 in message", errors.New("HTTP 429 Too Many Requests"), ErrCategoryThrottled},
		{"service unavailable", errors.New("service unavailable"), ErrCategoryThrottled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsRetryable_ThrottledIsNotRetried(t *testing.T) {
	if IsRetryable(errors.New("HTTP 503 Service Unavailable")) {
		t.Error("throttled responses must not be retried by the default predicate")
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := &Config{
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.CalculateBackoff(tt.attempt); got != tt.expected {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}

	jittered := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, JitterFactor: 0.5}
	for i := 0; i < 50; i++ {
		d := jittered.CalculateBackoff(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms,150ms]", d)
		}
	}

	if d := (&Config{}).CalculateBackoff(3); d != 0 {
		t.Errorf("zero BaseDelay should disable waiting, got %v", d)
	}
}

func TestIsRetryableErrno(t *testing.T) {
	tests := []struct {
		errno    syscall.Errno
		expected bool
	}{
		{syscall.ECONNRESET, true},
		{syscall.ETIMEDOUT, true},
		{syscall.EPIPE, true},
		{syscall.ENOENT, false},
		{syscall.EACCES, false},
	}
	for _, tt := range tests {
		if got := isRetryableErrno(tt.errno); got != tt.expected {
			t.Errorf("isRetryableErrno(%v) = %v, want %v", tt.errno, got, tt.expected)
		}
	}
}
