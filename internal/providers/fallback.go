package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/tracing"
)

// FallbackAttempt records one attempt in the fallback chain.
type FallbackAttempt struct {
	Provider string
	Model    string
	Err      error
	Duration time.Duration
}

// FallbackResult is the successful completion plus the attempt trail.
type FallbackResult struct {
	Completion *Completion
	Provider   string
	Attempts   []FallbackAttempt
}

// FallbackChain tries a primary provider then each fallback in order.
// Non-retryable errors abort the chain; context cancellation aborts
// immediately without trying further candidates.
type FallbackChain struct {
	chain  []Provider
	logger *slog.Logger
}

func NewFallbackChain(logger *slog.Logger, primary Provider, fallbacks ...Provider) *FallbackChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackChain{
		chain:  append([]Provider{primary}, fallbacks...),
		logger: logger,
	}
}

// Providers returns the chain in try order.
func (fc *FallbackChain) Providers() []Provider { return fc.chain }

// Execute runs req against each candidate until one succeeds. When every
// candidate fails the aggregate error carries KindUpstreamUnavailable.
// The attempt trail holds one entry per failed upstream request, so a
// provider that retried internally contributes each of its requests.
func (fc *FallbackChain) Execute(ctx context.Context, req Request) (*FallbackResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "llm.complete")
	defer span.End()

	result := &FallbackResult{Attempts: make([]FallbackAttempt, 0, len(fc.chain))}

	for i, p := range fc.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Only the first candidate honors an explicit model override; the
		// fallbacks run their own default model.
		attemptReq := req
		if i > 0 {
			attemptReq.Model = ""
		}

		before := len(result.Attempts)
		attemptCtx := WithAttemptObserver(ctx, func(err error, elapsed time.Duration) {
			result.Attempts = append(result.Attempts, FallbackAttempt{
				Provider: p.Name(),
				Model:    attemptReq.Model,
				Err:      err,
				Duration: elapsed,
			})
		})

		start := time.Now()
		completion, err := p.Complete(attemptCtx, attemptReq)
		elapsed := time.Since(start)

		if err == nil {
			result.Completion = completion
			result.Provider = p.Name()
			span.SetAttributes(
				attribute.String("llm.provider", p.Name()),
				attribute.Int("llm.failed_attempts", len(result.Attempts)))
			if i > 0 {
				fc.logger.Warn("primary provider failed over",
					"provider", p.Name(), "attempts", len(result.Attempts)+1)
			}
			return result, nil
		}

		// Providers outside the RetryDo path report nothing themselves.
		if len(result.Attempts) == before {
			result.Attempts = append(result.Attempts, FallbackAttempt{
				Provider: p.Name(),
				Model:    attemptReq.Model,
				Err:      err,
				Duration: elapsed,
			})
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, context.Canceled
		}
		if !IsRetryable(err) {
			span.RecordError(err)
			return nil, err
		}
		fc.logger.Warn("provider attempt failed",
			"provider", p.Name(), "error", err, "duration", elapsed)
	}

	err := errs.Wrap(errs.KindUpstreamUnavailable,
		fmt.Sprintf("all providers failed (%d attempts)", len(result.Attempts)),
		errors.New(summarizeAttempts(result.Attempts)))
	span.RecordError(err)
	return nil, err
}

func summarizeAttempts(attempts []FallbackAttempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return strings.Join(parts, "; ")
}
