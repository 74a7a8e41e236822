package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection refused" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

func TestClassify_Retryable(t *testing.T) {
	// WHAT: Offline, Overloaded, net.Error, and deadline expiry classify as Retryable.
	// WHY: These are the only failure shapes where a later attempt can succeed.
	cases := []error{
		&Offline{Op: "analyze", Cause: errors.New("no route to host")},
		&Overloaded{Op: "upsert", Status: 429},
		fakeNetErr{},
		context.DeadlineExceeded,
		fmt.Errorf("wrapped: %w", &Offline{Op: "fetch"}),
		fmt.Errorf("wrapped: %w", &Overloaded{Op: "counter", Status: 503}),
	}
	for _, err := range cases {
		if got := Classify(err); got != Retryable {
			t.Errorf("Classify(%v) = %v, want Retryable", err, got)
		}
	}
}

func TestClassify_Terminal(t *testing.T) {
	// WHAT: Domain and validation errors classify as Terminal.
	// WHY: Retrying a quota or shape failure burns attempts without progress.
	cases := []error{
		nil,
		&QuotaExceeded{OwnerID: "owner1"},
		&BadPayload{Op: "analyze", Cause: errors.New("missing verdict")},
		&Persistence{Op: "put record", Cause: errors.New("disk full")},
		errors.New("some domain error"),
		context.Canceled,
	}
	for _, err := range cases {
		if got := Classify(err); got != Terminal {
			t.Errorf("Classify(%v) = %v, want Terminal", err, got)
		}
	}
}

func TestClassify_UnwrapsChains(t *testing.T) {
	// WHAT: Classification sees through %w wrapping.
	// WHY: Callers annotate errors with context before they reach the executor.
	err := fmt.Errorf("submit: %w", fmt.Errorf("call: %w", &Offline{Op: "analyze"}))
	if Classify(err) != Retryable {
		t.Fatal("wrapped Offline should classify Retryable")
	}
}

func TestClassString(t *testing.T) {
	if Retryable.String() != "retryable" || Terminal.String() != "terminal" {
		t.Fatal("unexpected Class string values")
	}
}
