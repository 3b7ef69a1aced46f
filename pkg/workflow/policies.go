package workflow

import (
	"context"
	"time"

	"github.com/loopkit/loopkit/pkg/llm"
)

// WithRetry retries the agent on failure with a fixed backoff between
// attempts. The attempt counter is local to one invocation.
func WithRetry[I, O any](agent Agent[I, O], maxAttempts int, backoff time.Duration) Agent[I, O] {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(ctx context.Context, input I) (O, error) {
		var (
			out     O
			lastErr error
		)
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			var err error
			out, err = agent(ctx, input)
			if err == nil {
				return out, nil
			}
			lastErr = err
			if attempt == maxAttempts {
				break
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				var zero O
				return zero, llm.NewCancelledError("retry cancelled")
			}
		}
		var zero O
		return zero, lastErr
	}
}

// WithTimeout fails the agent with a timeout error if it does not complete
// within d. The inner call's context is cancelled on timeout; actual
// termination is the agent's responsibility.
func WithTimeout[I, O any](agent Agent[I, O], d time.Duration) Agent[I, O] {
	return func(ctx context.Context, input I) (O, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type outcome struct {
			out O
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			out, err := agent(ctx, input)
			ch <- outcome{out: out, err: err}
		}()

		select {
		case res := <-ch:
			return res.out, res.err
		case <-ctx.Done():
			var zero O
			return zero, llm.NewTimeoutError("node execution timed out")
		}
	}
}

// WithFallback invokes alternate with the same input when the primary fails.
func WithFallback[I, O any](primary, alternate Agent[I, O]) Agent[I, O] {
	return func(ctx context.Context, input I) (O, error) {
		out, err := primary(ctx, input)
		if err == nil {
			return out, nil
		}
		return alternate(ctx, input)
	}
}

// RetryPolicy parameterizes WithRetry for WithPolicies.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// WithPolicies composes the standard policies. Application order is
// retry, then timeout, then fallback, so the fallback fires only after the
// primary has exhausted its retries or timed out. nil retry, zero timeout
// and nil fallback are skipped.
func WithPolicies[I, O any](agent Agent[I, O], retry *RetryPolicy, timeout time.Duration, fallback Agent[I, O]) Agent[I, O] {
	wrapped := agent
	if retry != nil {
		wrapped = WithRetry(wrapped, retry.MaxAttempts, retry.Backoff)
	}
	if timeout > 0 {
		wrapped = WithTimeout(wrapped, timeout)
	}
	if fallback != nil {
		wrapped = WithFallback(wrapped, fallback)
	}
	return wrapped
}
