package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError carries the status and body of a failed upstream call.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value in seconds.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// IsRetryable reports whether an upstream failure is worth another attempt:
// network errors, HTTP 5xx, 408, 429, 529 and "overloaded" bodies.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status >= 500:
			return true
		case httpErr.Status == http.StatusRequestTimeout,
			httpErr.Status == http.StatusTooManyRequests,
			httpErr.Status == 529:
			return true
		}
		return strings.Contains(strings.ToLower(httpErr.Body), "overloaded")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error and friends wrap transport failures; treat anything that
	// never produced a status line as transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// RetryConfig controls the provider-level retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// AttemptObserver receives the outcome of every failed upstream request
// issued under RetryDo, including retries a later request recovers from.
type AttemptObserver func(err error, elapsed time.Duration)

type attemptObserverKey struct{}

// WithAttemptObserver returns a context whose RetryDo calls report each
// failed request to fn. Used by the fallback chain to keep its attempt
// trail one-per-request rather than one-per-provider.
func WithAttemptObserver(ctx context.Context, fn AttemptObserver) context.Context {
	return context.WithValue(ctx, attemptObserverKey{}, fn)
}

func observerFrom(ctx context.Context) AttemptObserver {
	fn, _ := ctx.Value(attemptObserverKey{}).(AttemptObserver)
	return fn
}

// RetryDo runs fn with exponential backoff on retryable errors. A Retry-After
// hint from the upstream overrides the computed delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	observe := observerFrom(ctx)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			var httpErr *HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				delay = httpErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if observe != nil {
			observe(err, time.Since(start))
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
