package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/scansync/audit"
	"github.com/hazyhaar/scansync/backoff"
	"github.com/hazyhaar/scansync/fault"
	"github.com/hazyhaar/scansync/reqqueue"
)

// Handler executes one queue entry of a given kind. Side effects (record
// store writes, usage counting, temp cleanup) belong to the handler; the
// Processor only decides the entry's fate from the returned error.
type Handler func(ctx context.Context, e *reqqueue.Entry) error

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// Policy governs per-entry retries. Zero value uses the backoff defaults.
	Policy backoff.Policy
	// Audit records dropped entries. May be nil.
	Audit *audit.Logger
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *ProcessorOptions) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DrainResult reports what one Drain call did.
type DrainResult struct {
	// Started is false when another drain held the latch; nothing ran.
	Started bool `json:"started"`
	// Processed entries succeeded and left the queue.
	Processed int `json:"processed"`
	// Dropped entries failed terminally and were removed.
	Dropped int `json:"dropped"`
	// Remaining entries stayed queued (retryable exhaustion or cancellation).
	Remaining int `json:"remaining"`
}

// ProcessorStats are cumulative counters across drains.
type ProcessorStats struct {
	Drains    int64 `json:"drains"`
	Coalesced int64 `json:"coalesced"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

// Processor drains the durable request queue strictly oldest-first, one
// entry in flight at a time. An atomic latch coalesces overlapping
// triggers: a Drain arriving while one runs returns immediately with
// Started=false rather than queueing behind it.
type Processor struct {
	queue    *reqqueue.Queue
	handlers map[string]Handler
	opts     ProcessorOptions

	busy      atomic.Bool
	drains    atomic.Int64
	coalesced atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewProcessor creates a Processor. Register handlers before draining.
func NewProcessor(queue *reqqueue.Queue, opts ProcessorOptions) *Processor {
	opts.defaults()
	return &Processor{
		queue:    queue,
		handlers: make(map[string]Handler),
		opts:     opts,
	}
}

// Handle registers the handler for a queue entry kind. Not safe to call
// concurrently with Drain; register everything during wiring.
func (p *Processor) Handle(kind string, h Handler) {
	p.handlers[kind] = h
}

// Busy reports whether a drain is in flight.
func (p *Processor) Busy() bool { return p.busy.Load() }

// Stats returns the cumulative counters.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Drains:    p.drains.Load(),
		Coalesced: p.coalesced.Load(),
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Drain processes queue entries oldest-first until the queue is empty, an
// entry exhausts its retries, or ctx is cancelled.
//
// Per entry: execute the kind's handler under the backoff policy. Success
// removes the entry. A terminal failure (or an unknown kind) removes the
// entry too — replaying it can never succeed — and audits the drop. A
// retryable failure that survives all backoff attempts stops the drain
// with the entry still at the head, preserving order for the next trigger.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	if !p.busy.CompareAndSwap(false, true) {
		p.coalesced.Add(1)
		return DrainResult{Started: false}, nil
	}
	defer p.busy.Store(false)

	p.drains.Add(1)
	res := DrainResult{Started: true}
	log := p.opts.Logger

	for ctx.Err() == nil {
		entry, err := p.queue.PeekOldest(ctx)
		if err != nil {
			return res, fmt.Errorf("uplink: drain peek: %w", err)
		}
		if entry == nil {
			break // queue empty
		}

		handler, ok := p.handlers[entry.Kind]
		if !ok {
			log.Error("uplink: no handler for entry kind, dropping",
				"entry", entry.ID, "kind", entry.Kind)
			if err := p.drop(ctx, entry, "no handler for kind "+entry.Kind); err != nil {
				return res, err
			}
			res.Dropped++
			continue
		}

		_, err = backoff.Do(ctx, p.opts.Policy, "drain "+entry.Kind,
			func(ctx context.Context) (struct{}, error) {
				if err := p.queue.BumpAttempts(ctx, entry.ID); err != nil {
					log.Warn("uplink: attempt bump failed", "entry", entry.ID, "error", err)
				}
				return struct{}{}, handler(ctx, entry)
			})
		if err != nil {
			if fault.Classify(err) == fault.Retryable {
				// Out of attempts but the failure is transient. The entry
				// keeps its head position for the next trigger.
				log.Warn("uplink: drain paused on retryable failure",
					"entry", entry.ID, "kind", entry.Kind, "error", err)
				break
			}
			log.Error("uplink: entry failed terminally, dropping",
				"entry", entry.ID, "kind", entry.Kind, "error", err)
			if err := p.drop(ctx, entry, err.Error()); err != nil {
				return res, err
			}
			res.Dropped++
			continue
		}

		if err := p.queue.Remove(ctx, entry.ID); err != nil {
			return res, fmt.Errorf("uplink: drain remove: %w", err)
		}
		res.Processed++
		log.Info("uplink: entry processed", "entry", entry.ID, "kind", entry.Kind,
			"attempts", entry.Attempts+1)
	}

	n, err := p.queue.Len(ctx)
	if err != nil {
		return res, fmt.Errorf("uplink: drain len: %w", err)
	}
	res.Remaining = n

	p.processed.Add(int64(res.Processed))
	p.dropped.Add(int64(res.Dropped))
	log.Info("uplink: drain complete",
		"processed", res.Processed, "dropped", res.Dropped, "remaining", res.Remaining)
	return res, nil
}

func (p *Processor) drop(ctx context.Context, e *reqqueue.Entry, reason string) error {
	if err := p.queue.Remove(ctx, e.ID); err != nil {
		return fmt.Errorf("uplink: drop %s: %w", e.ID, err)
	}
	if p.opts.Audit != nil {
		p.opts.Audit.LogEvent(ctx, audit.Event{
			Type:     audit.EventEntryDropped,
			EntityID: e.ID,
			Detail:   reason,
		})
	}
	return nil
}
