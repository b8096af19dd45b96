package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout marks a single call that exceeded its wall-clock timeout.
var ErrTimeout = errors.New("llm call timed out")

// RetryPolicy bounds GenerateWithRetry.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each attempt; zero leaves attempts unbounded.
	Timeout time.Duration
}

// GenerateWithRetry calls p.Generate, retrying timeouts, transport failures and
// non-success statuses with capped exponential backoff.
func GenerateWithRetry(ctx context.Context, p Provider, prompt string, maxTokens int, policy RetryPolicy) (string, error) {
	if p == nil {
		return "", ErrNotConfigured
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		eb.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		eb.MaxInterval = policy.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var text string
	attempt := 0
	op := func() error {
		attempt++
		out, err := generateOnce(ctx, p, prompt, maxTokens, policy.Timeout)
		if err == nil {
			text = out
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrNotConfigured) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("llm call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", fmt.Errorf("generate after %d attempt(s): %w", attempt, err)
	}
	return text, nil
}

func generateOnce(ctx context.Context, p Provider, prompt string, maxTokens int, timeout time.Duration) (string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := p.Generate(callCtx, prompt, maxTokens)
	if err != nil && ctx.Err() == nil && isTimeout(err, callCtx) {
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return out, err
}

func isTimeout(err error, callCtx context.Context) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
