package backoff

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/scansync/fault"
)

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// recordingPolicy returns a policy whose sleeps are captured instead of slept.
func recordingPolicy(delays *[]time.Duration) Policy {
	return Policy{
		Logger: quiet(),
		Sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	// WHAT: An op failing N times retryably then succeeding returns the value
	// and sleeps exactly N times with min(initial·factor^k, max).
	// WHY: The backoff schedule is a contract the server's rate limiter relies on.
	var delays []time.Duration
	p := recordingPolicy(&delays)

	calls := 0
	v, err := Do(context.Background(), p, "analyze", func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", &fault.Offline{Op: "analyze", Cause: errors.New("down")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v != "ok" {
		t.Fatalf("value = %q, want ok", v)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDo_DelayCapped(t *testing.T) {
	// WHAT: Delay growth stops at MaxDelay.
	// WHY: Unbounded exponential sleep would park the queue for minutes.
	p := Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2}
	p.defaults()
	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i, w := range want {
		if got := p.Delay(i); got != w*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestDo_TerminalShortCircuits(t *testing.T) {
	// WHAT: A terminal error returns immediately with zero sleeps and no
	// further attempts, unchanged.
	// WHY: Retrying quota/validation failures can never succeed; the caller
	// needs the original error for user-visible handling.
	var delays []time.Duration
	p := recordingPolicy(&delays)

	terminal := &fault.QuotaExceeded{OwnerID: "owner1"}
	calls := 0
	_, err := Do(context.Background(), p, "analyze", func(context.Context) (int, error) {
		calls++
		return 0, terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("err = %v, want the original terminal error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Fatalf("delays = %v, want none", delays)
	}
}

func TestDo_ExhaustionPropagatesLastError(t *testing.T) {
	// WHAT: When the budget runs out the last retryable error surfaces unchanged.
	// WHY: The queue processor keys on the surviving error's classification.
	var delays []time.Duration
	p := recordingPolicy(&delays)

	last := &fault.Overloaded{Op: "upsert", Status: 503}
	calls := 0
	_, err := Do(context.Background(), p, "upsert", func(context.Context) (int, error) {
		calls++
		return 0, last
	})
	if !errors.Is(err, last) {
		t.Fatalf("err = %v, want last overload error", err)
	}
	if calls != 4 { // initial + MaxRetries
		t.Fatalf("calls = %d, want 4", calls)
	}
	if len(delays) != 3 {
		t.Fatalf("delays = %d, want 3", len(delays))
	}
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	// WHAT: A cancelled context ends the loop with the last error.
	// WHY: Shutdown must not sit out backoff sleeps.
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		Logger: quiet(),
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	}
	calls := 0
	_, err := Do(ctx, p, "fetch", func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &fault.Offline{Op: "fetch"}
	})
	if err == nil {
		t.Fatal("want error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
