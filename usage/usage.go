// Package usage tracks consumption of the rate-limited monthly analysis
// quota across offline and online use.
//
// The counter is split in two fields: confirmed (the last value the server
// acknowledged) and pending_delta (optimistic local increments awaiting
// confirmation). Reconciliation is therefore addition, never replacement —
// an authoritative server response updates confirmed without clobbering
// local increments still in flight.
//
// Offline increments append an event to a pending-sync list. SyncPending
// drains that list one event at a time; an unconfirmed event stays queued
// for a later attempt. Double-counting is accepted as the lesser evil
// versus under-counting, since the counter gates a soft quota.
//
// When no backing data exists at all the policy fails OPEN: the core
// feature is never blocked on an observability gap.
//
// Schema (created by EnsureTable):
//
//	usage_counters (owner_id PK, period_start, period_end, confirmed,
//	                pending_delta, usage_limit, is_premium, refreshed_at)
//	usage_pending  (event_id PK, owner_id, created_at)
//	usage_archive  (owner_id, period_start PK, period_end, used, archived_at)
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scansync/audit"
	"github.com/hazyhaar/scansync/dbopen"
	"github.com/hazyhaar/scansync/fault"
	"github.com/hazyhaar/scansync/idgen"
	"github.com/hazyhaar/scansync/remote"
)

const defaultPeriod = 30 * 24 * time.Hour

// Options configures the reconciler.
type Options struct {
	// Freshness is how long a remote confirmation keeps the local counter
	// authoritative before Status re-queries the server. Default: 5m.
	Freshness time.Duration
	// ArchiveKeep bounds how many closed periods are retained per owner.
	// Default: 12.
	ArchiveKeep int
	// Now overrides the clock (tests). Default: time.Now.
	Now func() time.Time
	// NewID overrides the pending-event ID generator.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Audit records reconciliation events. May be nil.
	Audit *audit.Logger
}

func (o *Options) defaults() {
	if o.Freshness <= 0 {
		o.Freshness = 5 * time.Minute
	}
	if o.ArchiveKeep <= 0 {
		o.ArchiveKeep = 12
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("use_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Status is the answer to "can this owner run another analysis?".
type Status struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	IsPremium bool `json:"is_premium"`
	// Unmetered is true when no counter data exists anywhere and the
	// policy failed open.
	Unmetered bool `json:"unmetered"`
}

// SyncResult summarises one SyncPending drain.
type SyncResult struct {
	Confirmed int `json:"confirmed"` // events the server acknowledged
	Remaining int `json:"remaining"` // events still pending
}

// Reconciler tracks usage locally and against the remote counter.
type Reconciler struct {
	db     *sql.DB
	client remote.Client
	opts   Options
}

// New creates a Reconciler.
func New(db *sql.DB, client remote.Client, opts Options) *Reconciler {
	opts.defaults()
	return &Reconciler{db: db, client: client, opts: opts}
}

// EnsureTable creates the usage schema if missing.
func (r *Reconciler) EnsureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_counters (
			owner_id      TEXT PRIMARY KEY,
			period_start  INTEGER NOT NULL,
			period_end    INTEGER NOT NULL,
			confirmed     INTEGER NOT NULL DEFAULT 0,
			pending_delta INTEGER NOT NULL DEFAULT 0,
			usage_limit   INTEGER NOT NULL,
			is_premium    INTEGER NOT NULL DEFAULT 0,
			refreshed_at  INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS usage_pending (
			event_id   TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_pending_owner ON usage_pending (owner_id, created_at);
		CREATE TABLE IF NOT EXISTS usage_archive (
			owner_id     TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			period_end   INTEGER NOT NULL,
			used         INTEGER NOT NULL,
			archived_at  INTEGER NOT NULL,
			PRIMARY KEY (owner_id, period_start)
		);
	`)
	if err != nil {
		return &fault.Persistence{Op: "usage ensure table", Cause: err}
	}
	return nil
}

// RecordUsage counts one analysis for the owner.
//
// Online, the remote counter is incremented and its authoritative response
// adopted; if the remote call fails retryably the increment falls back to
// the offline path rather than losing the event. Offline, the optimistic
// local counter is bumped and the event queued for SyncPending. A terminal
// remote failure (quota exceeded) propagates unchanged.
func (r *Reconciler) RecordUsage(ctx context.Context, ownerID string, online bool) error {
	if online {
		counter, err := r.client.IncrementCounter(ctx, ownerID, 1)
		if err == nil {
			return r.adoptRemote(ctx, ownerID, counter)
		}
		if fault.Classify(err) == fault.Terminal {
			return err
		}
		r.opts.Logger.Warn("usage: remote increment failed, queueing offline event",
			"owner", ownerID, "error", err)
	}
	return r.queueOffline(ctx, ownerID)
}

func (r *Reconciler) queueOffline(ctx context.Context, ownerID string) error {
	now := r.opts.Now()
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_counters (owner_id, period_start, period_end, confirmed, pending_delta, usage_limit)
			VALUES (?,?,?,0,1,0)
			ON CONFLICT(owner_id) DO UPDATE SET pending_delta = pending_delta + 1`,
			ownerID, now.UnixMilli(), now.Add(defaultPeriod).UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_pending (event_id, owner_id, created_at) VALUES (?,?,?)`,
			r.opts.NewID(), ownerID, now.UnixMilli())
		return err
	})
	if err != nil {
		return &fault.Persistence{Op: "usage queue offline", Cause: err}
	}
	return nil
}

// Status reports whether the owner may run another analysis, using the
// freshest available counter: the remote one when online and the local
// copy is older than the freshness window, the local cache otherwise.
// With no backing data at all the policy fails open.
func (r *Reconciler) Status(ctx context.Context, ownerID string, online bool) (Status, error) {
	row, err := r.load(ctx, ownerID)
	if err != nil {
		return Status{}, err
	}

	now := r.opts.Now()
	stale := row == nil || now.Sub(time.UnixMilli(row.refreshedAt)) > r.opts.Freshness
	if online && stale {
		counter, err := r.client.GetCounter(ctx, ownerID)
		if err == nil && counter != nil {
			if err := r.adoptRemote(ctx, ownerID, counter); err != nil {
				return Status{}, err
			}
			row, err = r.load(ctx, ownerID)
			if err != nil {
				return Status{}, err
			}
		} else if err != nil {
			// Offline estimation continues on whatever is cached.
			r.opts.Logger.Debug("usage: counter refresh failed, using cache",
				"owner", ownerID, "error", err)
		}
	}

	if row == nil {
		// NoData: fail open rather than block the core feature.
		return Status{Allowed: true, Unmetered: true}, nil
	}

	row, err = r.rollover(ctx, row)
	if err != nil {
		return Status{}, err
	}

	used := row.confirmed + row.pendingDelta
	if row.limit <= 0 {
		// Offline increments exist but the server never told us the limit.
		// An unknown quota fails open, same as no data at all.
		return Status{Allowed: true, Used: used, Unmetered: true}, nil
	}
	remaining := max(0, row.limit-used)
	return Status{
		Allowed:   used < row.limit,
		Remaining: remaining,
		Limit:     row.limit,
		Used:      used,
		IsPremium: row.isPremium,
	}, nil
}

// SyncPending drains the owner's pending-sync list against the remote
// counter, one event at a time. The first failure stops the drain; the
// unconfirmed events stay queued, so a later call resumes where this one
// left off. Partial progress is success, not an error.
func (r *Reconciler) SyncPending(ctx context.Context, ownerID string) (SyncResult, error) {
	events, err := r.pendingEvents(ctx, ownerID)
	if err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	res.Remaining = len(events)
	for _, eventID := range events {
		counter, err := r.client.IncrementCounter(ctx, ownerID, 1)
		if err != nil {
			r.opts.Logger.Warn("usage: pending sync stopped, will resume later",
				"owner", ownerID, "confirmed", res.Confirmed, "remaining", res.Remaining, "error", err)
			return res, nil
		}
		// Confirmed: the event leaves the pending list and its optimistic
		// increment moves from pending_delta into the adopted confirmed value.
		txErr := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM usage_pending WHERE event_id = ?`, eventID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE usage_counters SET pending_delta = MAX(0, pending_delta - 1)
				WHERE owner_id = ?`, ownerID)
			return err
		})
		if txErr != nil {
			return res, &fault.Persistence{Op: "usage confirm pending", Cause: txErr}
		}
		if err := r.adoptRemote(ctx, ownerID, counter); err != nil {
			return res, err
		}
		res.Confirmed++
		res.Remaining--
	}

	if res.Confirmed > 0 && r.opts.Audit != nil {
		r.opts.Audit.LogEvent(ctx, audit.Event{
			Type: audit.EventUsageReconciled, OwnerID: ownerID,
			Detail:  fmt.Sprintf("confirmed=%d remaining=%d", res.Confirmed, res.Remaining),
			Success: res.Remaining == 0,
		})
	}
	return res, nil
}

// PendingCount returns the number of queued offline usage events.
func (r *Reconciler) PendingCount(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_pending WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, &fault.Persistence{Op: "usage pending count", Cause: err}
	}
	return n, nil
}

type counterRow struct {
	ownerID      string
	periodStart  int64
	periodEnd    int64
	confirmed    int
	pendingDelta int
	limit        int
	isPremium    bool
	refreshedAt  int64
}

func (r *Reconciler) load(ctx context.Context, ownerID string) (*counterRow, error) {
	var row counterRow
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, period_start, period_end, confirmed, pending_delta,
		       usage_limit, is_premium, refreshed_at
		FROM usage_counters WHERE owner_id = ?`, ownerID).
		Scan(&row.ownerID, &row.periodStart, &row.periodEnd, &row.confirmed,
			&row.pendingDelta, &row.limit, &row.isPremium, &row.refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &fault.Persistence{Op: "usage load", Cause: err}
	}
	return &row, nil
}

// adoptRemote stores the server's authoritative counter state. The
// confirmed value is replaced wholesale, since the server already includes
// every increment it acknowledged. pending_delta is left untouched: it
// belongs to the pending-event lifecycle, not to the remote.
func (r *Reconciler) adoptRemote(ctx context.Context, ownerID string, c *remote.Counter) error {
	now := r.opts.Now()
	periodStart := c.PeriodStart
	periodEnd := c.PeriodEnd
	if periodStart.IsZero() {
		periodStart = now
	}
	if periodEnd.IsZero() {
		periodEnd = periodStart.Add(defaultPeriod)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_counters (owner_id, period_start, period_end, confirmed,
			pending_delta, usage_limit, is_premium, refreshed_at)
		VALUES (?,?,?,?,0,?,?,?)
		ON CONFLICT(owner_id) DO UPDATE SET
			period_start=excluded.period_start, period_end=excluded.period_end,
			confirmed=excluded.confirmed, usage_limit=excluded.usage_limit,
			is_premium=excluded.is_premium, refreshed_at=excluded.refreshed_at`,
		ownerID, periodStart.UnixMilli(), periodEnd.UnixMilli(), c.Used,
		c.Limit, c.IsPremium, now.UnixMilli())
	if err != nil {
		return &fault.Persistence{Op: "usage adopt remote", Cause: err}
	}
	return nil
}

// rollover archives a counter whose period has closed and opens a new one
// carrying forward only the limit. Pending events from the closed period
// are discarded with the archive — they belong to a quota window that no
// longer exists.
func (r *Reconciler) rollover(ctx context.Context, row *counterRow) (*counterRow, error) {
	now := r.opts.Now()
	if now.UnixMilli() <= row.periodEnd {
		return row, nil
	}

	used := row.confirmed + row.pendingDelta
	r.opts.Logger.Info("usage: period rollover", "owner", row.ownerID,
		"closed_used", used, "limit", row.limit)

	newStart := now
	newEnd := now.Add(defaultPeriod)
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO usage_archive (owner_id, period_start, period_end, used, archived_at)
			VALUES (?,?,?,?,?)`,
			row.ownerID, row.periodStart, row.periodEnd, used, now.UnixMilli()); err != nil {
			return err
		}
		// Bounded history.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM usage_archive WHERE owner_id = ? AND period_start NOT IN (
				SELECT period_start FROM usage_archive WHERE owner_id = ?
				ORDER BY period_start DESC LIMIT ?
			)`, row.ownerID, row.ownerID, r.opts.ArchiveKeep); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM usage_pending WHERE owner_id = ?`, row.ownerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE usage_counters
			SET period_start=?, period_end=?, confirmed=0, pending_delta=0, refreshed_at=0
			WHERE owner_id=?`,
			newStart.UnixMilli(), newEnd.UnixMilli(), row.ownerID)
		return err
	})
	if err != nil {
		return nil, &fault.Persistence{Op: "usage rollover", Cause: err}
	}
	return r.load(ctx, row.ownerID)
}

// ArchivedPeriods returns the owner's closed periods, newest first.
func (r *Reconciler) ArchivedPeriods(ctx context.Context, ownerID string) ([]ArchivedPeriod, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT period_start, period_end, used FROM usage_archive
		WHERE owner_id = ? ORDER BY period_start DESC`, ownerID)
	if err != nil {
		return nil, &fault.Persistence{Op: "usage archive list", Cause: err}
	}
	defer rows.Close()

	var out []ArchivedPeriod
	for rows.Next() {
		var p ArchivedPeriod
		var start, end int64
		if err := rows.Scan(&start, &end, &p.Used); err != nil {
			return nil, &fault.Persistence{Op: "usage archive scan", Cause: err}
		}
		p.PeriodStart = time.UnixMilli(start)
		p.PeriodEnd = time.UnixMilli(end)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ArchivedPeriod is one closed quota window.
type ArchivedPeriod struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Used        int       `json:"used"`
}

func (r *Reconciler) pendingEvents(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id FROM usage_pending WHERE owner_id = ?
		ORDER BY created_at ASC, rowid ASC`, ownerID)
	if err != nil {
		return nil, &fault.Persistence{Op: "usage pending list", Cause: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &fault.Persistence{Op: "usage pending scan", Cause: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
