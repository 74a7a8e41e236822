// Package backoff wraps remote calls in bounded retry with capped
// exponential backoff.
//
// Classification of failures lives in package fault; this package only
// decides when to sleep and when to give up. The executor holds no shared
// state — it is safe to call concurrently for independent operations.
// Callers draining a shared queue must serialize into a single in-flight
// execution themselves (see package uplink).
package backoff

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/scansync/fault"
)

// Policy tunes the retry loop.
type Policy struct {
	// MaxRetries is the number of retry attempts after the first call.
	// Default: 3.
	MaxRetries int
	// InitialDelay is the sleep before the first retry. Default: 1s.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth. Default: 10s.
	MaxDelay time.Duration
	// Factor multiplies the delay each attempt. Default: 2.
	Factor int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Sleep overrides the inter-attempt sleep. Tests inject a recorder;
	// the default respects context cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p *Policy) defaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// min(initial·factor^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for range attempt {
		d *= time.Duration(p.Factor)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Do runs op, retrying retryable failures up to the policy budget.
//
// A terminal failure, or exhaustion of the budget, propagates the last
// error unchanged — never swallowed, never rewrapped. Success returns the
// operation's value as-is.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	p.defaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if fault.Classify(err) == fault.Terminal {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if attempt == p.MaxRetries {
			break
		}

		wait := p.Delay(attempt)
		p.Logger.WarnContext(ctx, "backoff: retrying call",
			"op", name,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		if err := p.Sleep(ctx, wait); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
