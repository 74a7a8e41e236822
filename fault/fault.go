// Package fault defines the scansync error taxonomy and the single
// classification function deciding whether a failure is worth retrying.
//
// Every boundary (remote client, local stores) wraps its failures in one of
// these types; nothing else in the module re-implements classification.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Offline is returned when a remote call fails for lack of connectivity or
// times out. Always retryable.
type Offline struct {
	Op    string
	Cause error
}

func (e *Offline) Error() string {
	return fmt.Sprintf("fault: offline during %s: %v", e.Op, e.Cause)
}

func (e *Offline) Unwrap() error { return e.Cause }

// Overloaded is returned when the remote service signals rate-limiting or
// overload (HTTP 429/502/503/504). Retryable with backoff.
type Overloaded struct {
	Op     string
	Status int
}

func (e *Overloaded) Error() string {
	return fmt.Sprintf("fault: remote overloaded during %s (status %d)", e.Op, e.Status)
}

// QuotaExceeded is returned when the owner's usage quota is spent.
// Terminal and user-visible; retrying cannot help.
type QuotaExceeded struct {
	OwnerID string
}

func (e *QuotaExceeded) Error() string {
	return fmt.Sprintf("fault: quota exceeded for owner %s", e.OwnerID)
}

// BadPayload is returned when a request or response fails shape validation.
// Terminal: the same bytes will fail the same way every time.
type BadPayload struct {
	Op    string
	Cause error
}

func (e *BadPayload) Error() string {
	return fmt.Sprintf("fault: bad payload during %s: %v", e.Op, e.Cause)
}

func (e *BadPayload) Unwrap() error { return e.Cause }

// Persistence is returned when a local storage write fails. Terminal for the
// current operation; the store guarantees the on-disk structure stays intact.
type Persistence struct {
	Op    string
	Cause error
}

func (e *Persistence) Error() string {
	return fmt.Sprintf("fault: persistence failure during %s: %v", e.Op, e.Cause)
}

func (e *Persistence) Unwrap() error { return e.Cause }

// Class is the retry classification of an error.
type Class int

const (
	// Terminal errors will never succeed on retry.
	Terminal Class = iota
	// Retryable errors are transient network/overload conditions.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classify is the single source of truth for retry decisions.
//
// Retryable: Offline, Overloaded, raw net.Error values, and deadline
// expiry. Terminal: everything else, including QuotaExceeded, BadPayload,
// Persistence, and context cancellation (the caller gave up).
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}

	var off *Offline
	if errors.As(err, &off) {
		return Retryable
	}
	var over *Overloaded
	if errors.As(err, &over) {
		return Retryable
	}

	// Unwrapped transport errors from code that did not go through the
	// remote client wrapper.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	return Terminal
}
