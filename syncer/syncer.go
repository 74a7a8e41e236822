// Package syncer reconciles the local record store with the remote service
// for one owner: pull remote→local, then push local→remote, then refresh
// the owner's cached listing index.
//
// The pull-then-push order is fixed so a freshly pulled remote record is
// visible before the push step decides what still needs pushing. Conflicts
// resolve at record granularity, last-writer-wins by lastModified; a run
// with no intervening changes is a no-op.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/scansync/audit"
	"github.com/hazyhaar/scansync/recordstore"
	"github.com/hazyhaar/scansync/remote"
)

// Stats summarise one sync pass.
type Stats struct {
	Pulled     int  `json:"pulled"`      // remote records inserted or adopted locally
	Pushed     int  `json:"pushed"`      // local records upserted remotely
	PushFailed int  `json:"push_failed"` // per-record push failures (isolated)
	Skipped    bool `json:"skipped"`     // another sync for this owner was in flight
}

// Syncer runs reconciliation passes. One sync per owner at a time is
// enforced with an in-memory latch; overlapping requests are coalesced
// into a skip, not queued.
type Syncer struct {
	store  *recordstore.Store
	client remote.Client
	audit  *audit.Logger
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	cursors  map[string]time.Time // last successful pass per owner, advisory only
}

// New creates a Syncer. The audit logger may be nil.
func New(store *recordstore.Store, client remote.Client, auditLog *audit.Logger, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:    store,
		client:   client,
		audit:    auditLog,
		logger:   logger,
		inFlight: make(map[string]bool),
		cursors:  make(map[string]time.Time),
	}
}

// LastSync returns the time of the owner's last successful pass, zero if none.
func (s *Syncer) LastSync(ownerID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[ownerID]
}

// remoteWins is the conflict policy: the remote copy replaces the local
// one only when strictly newer by lastModified. Equal timestamps keep the
// local copy, so a repeat pass with no intervening writes is a no-op.
// Last-writer-wins at record granularity; a field-level merge would slot
// in here.
func remoteWins(remote, local *recordstore.Record) bool {
	return local == nil || remote.LastModified.After(local.LastModified)
}

// Run executes one reconciliation pass for the owner.
//
// A pull failure aborts the pass (nothing to reconcile against); a push
// failure on one record is logged, audited, and skipped so the remaining
// records still go out.
func (s *Syncer) Run(ctx context.Context, ownerID string) (Stats, error) {
	s.mu.Lock()
	if s.inFlight[ownerID] {
		s.mu.Unlock()
		return Stats{Skipped: true}, nil
	}
	s.inFlight[ownerID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, ownerID)
		s.mu.Unlock()
	}()

	var stats Stats

	// Pull.
	remoteRecords, err := s.client.FetchRecords(ctx, ownerID)
	if err != nil {
		return stats, fmt.Errorf("syncer: pull for %s: %w", ownerID, err)
	}
	remoteByID := make(map[string]*recordstore.Record, len(remoteRecords))
	for _, rr := range remoteRecords {
		if rr.ID == "" {
			s.logger.Warn("syncer: skipping remote record without id", "owner", ownerID)
			continue
		}
		if rr.OwnerID == "" {
			rr.OwnerID = ownerID
		}
		norm := recordstore.NormalizeRemote(rr, s.logger)
		remoteByID[norm.ID] = norm

		local, err := s.store.Get(ctx, norm.ID)
		if err != nil {
			return stats, fmt.Errorf("syncer: pull lookup: %w", err)
		}
		if remoteWins(norm, local) {
			if err := s.store.Put(ctx, norm); err != nil {
				return stats, fmt.Errorf("syncer: pull apply: %w", err)
			}
			stats.Pulled++
		}
	}

	// Push. Only records the remote copy doesn't already reflect.
	locals, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return stats, fmt.Errorf("syncer: push listing: %w", err)
	}
	for _, lr := range locals {
		if !lr.IsPersisted {
			continue
		}
		if rr, ok := remoteByID[lr.ID]; ok && !lr.LastModified.After(rr.LastModified) {
			continue // remote already has this version or newer
		}
		if err := s.client.UpsertRecord(ctx, lr); err != nil {
			stats.PushFailed++
			s.logger.Warn("syncer: push failed, continuing",
				"owner", ownerID, "record", lr.ID, "error", err)
			if s.audit != nil {
				s.audit.LogEvent(ctx, audit.Event{
					Type: audit.EventSyncPushFailed, OwnerID: ownerID,
					EntityID: lr.ID, Detail: err.Error(),
				})
			}
			continue
		}
		stats.Pushed++
	}

	// Cache refresh.
	if err := s.store.RefreshIndex(ctx, ownerID); err != nil {
		return stats, fmt.Errorf("syncer: refresh index: %w", err)
	}

	s.mu.Lock()
	s.cursors[ownerID] = time.Now()
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.LogEvent(ctx, audit.Event{
			Type: audit.EventSyncCompleted, OwnerID: ownerID,
			Detail:  fmt.Sprintf("pulled=%d pushed=%d push_failed=%d", stats.Pulled, stats.Pushed, stats.PushFailed),
			Success: stats.PushFailed == 0,
		})
	}
	s.logger.Info("syncer: pass complete", "owner", ownerID,
		"pulled", stats.Pulled, "pushed", stats.Pushed, "push_failed", stats.PushFailed)
	return stats, nil
}
